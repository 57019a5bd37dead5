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

package store

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"sort"

	"github.com/tombee/ensemble/pkg/errors"
)

// snapshot is the serialized form of a memory-store namespace. Slices
// are sorted by id so serialization is deterministic.
//
// Datetimes serialize as RFC 3339 strings and binary content as base64,
// both courtesy of encoding/json; Import reverses the mapping. Fields
// restored from strings keep their string form except where the struct
// field demands a typed value.
type snapshot struct {
	Users        []*User        `json:"users"`
	Templates    []*Template    `json:"workflow_templates"`
	Versions     []*Version     `json:"workflow_versions"`
	Runs         []*Run         `json:"workflow_runs"`
	Branches     []*Branch      `json:"branches"`
	Events       []*Event       `json:"events"`
	Files        []*File        `json:"workflow_files"`
	Tasks        []*Task        `json:"queue_tasks"`
	Generations  []*Generation  `json:"generations"`
	ContentItems []*ContentItem `json:"content_items"`
	Counters     []*Counter     `json:"counters"`
}

// Export serializes the entire namespace into a gzipped JSON blob. The
// blob is the opaque state token the virtual sandbox hands to clients.
func (m *Memory) Export() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := snapshot{
		Users:        sortedValues(m.users, func(u *User) string { return u.ID }),
		Templates:    sortedValues(m.templates, func(t *Template) string { return t.ID }),
		Versions:     sortedValues(m.versions, func(v *Version) string { return v.ID }),
		Runs:         sortedValues(m.runs, func(r *Run) string { return r.ID }),
		Branches:     sortedValues(m.branches, func(b *Branch) string { return b.ID }),
		Events:       sortedValues(m.events, func(e *Event) string { return e.ID }),
		Files:        sortedValues(m.files, func(f *File) string { return f.ID }),
		Tasks:        sortedValues(m.tasks, func(t *Task) string { return t.ID }),
		Generations:  sortedValues(m.generations, func(g *Generation) string { return g.ID }),
		ContentItems: sortedValues(m.contentItems, func(c *ContentItem) string { return c.ID }),
		Counters:     m.counterSliceLocked(),
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(&snap); err != nil {
		return nil, errors.Wrap(err, "encoding namespace snapshot")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing namespace snapshot")
	}
	return buf.Bytes(), nil
}

// Import replaces the namespace contents with the collections decoded
// from a blob previously produced by Export.
func (m *Memory) Import(blob []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return &errors.ValidationError{Path: "virtual_db", Message: "blob is not gzip-compressed: " + err.Error()}
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return &errors.ValidationError{Path: "virtual_db", Message: "blob decompression failed: " + err.Error()}
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &errors.ValidationError{Path: "virtual_db", Message: "blob is not a valid namespace snapshot: " + err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = keyedBy(snap.Users, func(u *User) string { return u.ID })
	m.templates = keyedBy(snap.Templates, func(t *Template) string { return t.ID })
	m.versions = keyedBy(snap.Versions, func(v *Version) string { return v.ID })
	m.runs = keyedBy(snap.Runs, func(r *Run) string { return r.ID })
	m.branches = keyedBy(snap.Branches, func(b *Branch) string { return b.ID })
	m.events = keyedBy(snap.Events, func(e *Event) string { return e.ID })
	m.files = keyedBy(snap.Files, func(f *File) string { return f.ID })
	m.tasks = keyedBy(snap.Tasks, func(t *Task) string { return t.ID })
	m.generations = keyedBy(snap.Generations, func(g *Generation) string { return g.ID })
	m.contentItems = keyedBy(snap.ContentItems, func(c *ContentItem) string { return c.ID })

	m.counters = make(map[string]int64, len(snap.Counters))
	for _, c := range snap.Counters {
		m.counters[counterKey(c.TemplateID, c.Scope, c.Key)] = c.Count
	}
	return nil
}

func (m *Memory) counterSliceLocked() []*Counter {
	out := make([]*Counter, 0, len(m.counters))
	for k, v := range m.counters {
		parts := splitCounterKey(k)
		out = append(out, &Counter{TemplateID: parts[0], Scope: parts[1], Key: parts[2], Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TemplateID != out[j].TemplateID {
			return out[i].TemplateID < out[j].TemplateID
		}
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func splitCounterKey(k string) [3]string {
	var parts [3]string
	idx := 0
	start := 0
	for i := 0; i < len(k) && idx < 2; i++ {
		if k[i] == '\x00' {
			parts[idx] = k[start:i]
			idx++
			start = i + 1
		}
	}
	parts[idx] = k[start:]
	return parts
}

func sortedValues[T any](m map[string]*T, id func(*T) string) []*T {
	out := make([]*T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}

func keyedBy[T any](list []*T, id func(*T) string) map[string]*T {
	out := make(map[string]*T, len(list))
	for _, v := range list {
		out[id(v)] = v
	}
	return out
}
