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

// Package resolver materializes templated module inputs against the
// run's accumulated state using expr expressions.
//
// An input value containing exactly one `{{ expr }}` and nothing else
// resolves to the expression's typed value; a value mixing template
// markers with literal text renders to a string. References that cannot
// be resolved become an absent value (empty string in rendered text, nil
// as a typed value) rather than an error, so optional state never aborts
// a run.
package resolver

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/ensemble/internal/log"
)

var templatePattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Schema resolution flags. Fields marked client pass through untouched
// for the client to materialize; everything else resolves server-side.
const (
	ResolutionServer = "server"
	ResolutionClient = "client"
)

// SchemaKey is the input key carrying the resolver schema; it is
// stripped from resolved inputs.
const SchemaKey = "resolver_schema"

// Context is the evaluation environment for one module: accumulated
// state, per-(step, module) outputs, the current step's outputs, and the
// workflow config.
type Context struct {
	State  map[string]any
	Module map[string]any
	Step   map[string]any
	Config map[string]any
}

// Env returns the expr environment map.
func (c Context) Env() map[string]any {
	return map[string]any{
		"state":  orEmpty(c.State),
		"module": orEmpty(c.Module),
		"step":   orEmpty(c.Step),
		"config": orEmpty(c.Config),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Resolver evaluates template expressions with a compiled-program cache.
type Resolver struct {
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New returns a resolver.
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		logger: log.WithComponent(logger, "resolver"),
		cache:  make(map[string]*vm.Program),
	}
}

// ResolveValue resolves one value unconditionally: strings are template
// rendered, maps and slices recurse, everything else passes through.
func (r *Resolver) ResolveValue(value any, rctx Context) any {
	env := rctx.Env()
	return r.resolveAny(value, env)
}

// ResolveWithSchema resolves inputs honoring their resolver schema:
// server-marked fields materialize now, client-marked fields pass
// through untouched, and nested fields inherit their parent's flag. The
// resolver_schema key itself is stripped from the result.
func (r *Resolver) ResolveWithSchema(inputs map[string]any, schema map[string]any, rctx Context) map[string]any {
	env := rctx.Env()
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if k == SchemaKey {
			continue
		}
		out[k] = r.resolveWithFlag(v, schema[k], ResolutionServer, env)
	}
	return out
}

// resolveWithFlag applies one field's schema entry. An entry is either a
// flag string or a nested schema map; absent entries inherit the parent
// flag.
func (r *Resolver) resolveWithFlag(value, entry any, inherited string, env map[string]any) any {
	flag := inherited
	var nested map[string]any
	switch e := entry.(type) {
	case string:
		flag = e
	case map[string]any:
		nested = e
	}

	if flag == ResolutionClient && nested == nil {
		return value
	}

	if m, ok := value.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			var childEntry any
			if nested != nil {
				childEntry = nested[k]
			}
			out[k] = r.resolveWithFlag(v, childEntry, flag, env)
		}
		return out
	}
	if flag == ResolutionClient {
		return value
	}
	return r.resolveAny(value, env)
}

func (r *Resolver) resolveAny(value any, env map[string]any) any {
	switch val := value.(type) {
	case string:
		return r.resolveString(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = r.resolveAny(v, env)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = r.resolveAny(v, env)
		}
		return out
	default:
		return value
	}
}

// resolveString renders one string. A pure expression keeps its typed
// result; mixed content renders each marker and concatenates.
func (r *Resolver) resolveString(s string, env map[string]any) any {
	matches := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	if len(matches) == 1 && strings.TrimSpace(s) == s[matches[0][0]:matches[0][1]] {
		return r.eval(strings.TrimSpace(s[matches[0][2]:matches[0][3]]), env)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		result := r.eval(strings.TrimSpace(s[m[2]:m[3]]), env)
		if result != nil {
			b.WriteString(stringify(result))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// eval compiles (with caching) and runs one expression. Failures resolve
// to nil: a missing reference is absent state, not an error.
func (r *Resolver) eval(expression string, env map[string]any) any {
	if expression == "" {
		return nil
	}

	program, err := r.compile(expression)
	if err != nil {
		r.logger.Debug("expression does not compile", "expression", expression, log.Error(err))
		return nil
	}

	result, err := expr.Run(program, env)
	if err != nil {
		r.logger.Debug("expression did not resolve", "expression", expression, log.Error(err))
		return nil
	}
	return result
}

func (r *Resolver) compile(expression string) (*vm.Program, error) {
	r.mu.RLock()
	program, ok := r.cache[expression]
	r.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[expression] = program
	r.mu.Unlock()
	return program, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
