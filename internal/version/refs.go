// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package version

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/tombee/ensemble/pkg/errors"
)

// Reference node keys. A reference is {"$ref": <path>, "type": <kind>}.
const (
	refKey     = "$ref"
	refTypeKey = "type"
)

// Reference kinds. Only "json" is parsed and recursed into; every other
// kind inlines the file's bytes as a string.
const (
	RefTypeText     = "text"
	RefTypeJSON     = "json"
	RefTypeJinja2   = "jinja2"
	RefTypeRaw      = "raw"
	RefTypeTemplate = "template"
)

// ResolveRefs inlines every $ref node in the workflow against the given
// filesystem root. All failures are accumulated and returned together so
// an upload surfaces every broken reference at once.
func ResolveRefs(workflow map[string]any, fsys fs.FS) (map[string]any, error) {
	if fsys == nil {
		fsys = emptyFS{}
	}
	r := &refResolver{fsys: fsys, errs: &errors.ValidationErrors{}, inFlight: map[string]bool{}}
	out := r.resolve("", ".", workflow)
	if r.errs.HasErrors() {
		return nil, r.errs
	}
	resolved, ok := out.(map[string]any)
	if !ok {
		return nil, &errors.ValidationError{Path: "", Message: "workflow root must be a JSON object"}
	}
	return resolved, nil
}

type refResolver struct {
	fsys     fs.FS
	errs     *errors.ValidationErrors
	inFlight map[string]bool
}

func (r *refResolver) resolve(jsonPath, dir string, node any) any {
	switch val := node.(type) {
	case map[string]any:
		if ref, ok := refNode(val); ok {
			return r.inline(jsonPath, dir, val, ref)
		}
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = r.resolve(childPath(jsonPath, k), dir, v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = r.resolve(fmt.Sprintf("%s[%d]", jsonPath, i), dir, v)
		}
		return out
	default:
		return node
	}
}

func (r *refResolver) inline(jsonPath, dir string, node map[string]any, ref string) any {
	kind, _ := node[refTypeKey].(string)
	if kind == "" {
		kind = RefTypeText
	}

	target, ok := joinRef(dir, ref)
	if !ok {
		r.errs.AppendError(&errors.ValidationError{
			Path:    jsonPath,
			Message: "$ref " + ref + " escapes the workflow filesystem root",
		})
		return nil
	}

	if kind == RefTypeJSON && r.inFlight[target] {
		r.errs.AppendError(&errors.ValidationError{
			Path:    jsonPath,
			Message: "$ref " + ref + " is part of a reference cycle",
		})
		return nil
	}

	data, err := fs.ReadFile(r.fsys, target)
	if err != nil {
		r.errs.AppendError(&errors.ValidationError{
			Path:    jsonPath,
			Message: "$ref " + ref + " cannot be read: " + err.Error(),
		})
		return nil
	}

	if kind != RefTypeJSON {
		return string(data)
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		r.errs.AppendError(&errors.ValidationError{
			Path:    jsonPath,
			Message: "$ref " + ref + " is not valid JSON: " + err.Error(),
		})
		return nil
	}

	r.inFlight[target] = true
	out := r.resolve(jsonPath, path.Dir(target), parsed)
	delete(r.inFlight, target)
	return out
}

// joinRef joins a reference onto the current directory, walking the raw
// segments and tracking depth so ".." can never climb above the root.
// Returns the cleaned fs path and whether the reference stays inside.
func joinRef(dir, ref string) (string, bool) {
	if ref == "" || strings.HasPrefix(ref, "/") {
		return "", false
	}

	depth := 0
	if dir != "" && dir != "." {
		depth = len(strings.Split(dir, "/"))
	}
	for _, seg := range strings.Split(ref, "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return "", false
			}
		default:
			depth++
		}
	}

	joined := path.Join(dir, ref)
	if !fs.ValidPath(joined) {
		return "", false
	}
	return joined, true
}

func refNode(m map[string]any) (string, bool) {
	ref, ok := m[refKey].(string)
	return ref, ok
}

func childPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// emptyFS backs ref resolution when no filesystem was supplied; any
// reference then fails as unresolvable rather than panicking.
type emptyFS struct{}

func (emptyFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}
