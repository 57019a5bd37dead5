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
	"fmt"

	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

// GroupModuleID marks an execution-groups meta-node inside a step.
const GroupModuleID = "execution-groups"

// ValidatorModuleID is the module synthesized for groups declaring an
// output schema. It runs at the end of the step and validates the state
// keys the chosen path produced.
const ValidatorModuleID = "schema_validator"

// Annotation keys written into an inlined module's _metadata.
const (
	MetaExpandedFrom  = "expanded_from"
	MetaExpandedIndex = "expanded_index"
	MetaPathName      = "path_name"
)

// Variant is one flattening of a workflow with execution groups: the
// runnable workflow plus the capability requirements and path selection
// that produced it.
type Variant struct {
	Workflow      map[string]any
	Requires      []store.Requirement
	SelectedPaths map[string]string
}

// metaNode is one execution-groups node found during the scan.
type metaNode struct {
	stepIdx   int
	moduleIdx int
	name      string
	paths     []groupPath
}

type groupPath struct {
	name         string
	requires     []store.Requirement
	modules      []any
	outputSchema map[string]any
}

// HasExecutionGroups reports whether any step contains a meta-node.
func HasExecutionGroups(workflow map[string]any) bool {
	nodes, err := scanGroups(workflow)
	return err == nil && len(nodes) > 0
}

// ExpandExecutionGroups flattens a workflow into the cartesian product
// of its execution-group paths. A workflow without meta-nodes yields a
// single variant with the workflow unchanged. The function is pure and
// deterministic: nodes are processed in document order and paths in
// declared order.
func ExpandExecutionGroups(workflow map[string]any) ([]Variant, error) {
	nodes, err := scanGroups(workflow)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return []Variant{{
			Workflow:      deepCopyMap(workflow),
			SelectedPaths: map[string]string{},
		}}, nil
	}

	// Enumerate the product with the last node varying fastest.
	indices := make([]int, len(nodes))
	total := 1
	for _, n := range nodes {
		total *= len(n.paths)
	}

	variants := make([]Variant, 0, total)
	for v := 0; v < total; v++ {
		variant, err := applySelection(workflow, nodes, indices)
		if err != nil {
			return nil, err
		}
		variants = append(variants, variant)

		for i := len(indices) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(nodes[i].paths) {
				break
			}
			indices[i] = 0
		}
	}
	return variants, nil
}

// scanGroups walks every step's modules collecting meta-nodes in
// document order. Shape violations are validation errors.
func scanGroups(workflow map[string]any) ([]metaNode, error) {
	steps, _ := workflow["steps"].([]any)
	var nodes []metaNode
	for si, rawStep := range steps {
		step, ok := rawStep.(map[string]any)
		if !ok {
			continue
		}
		modules, _ := step["modules"].([]any)
		for mi, rawModule := range modules {
			mod, ok := rawModule.(map[string]any)
			if !ok || mod["module_id"] != GroupModuleID {
				continue
			}
			node, err := parseMetaNode(si, mi, mod)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

func parseMetaNode(stepIdx, moduleIdx int, mod map[string]any) (metaNode, error) {
	at := fmt.Sprintf("steps[%d].modules[%d]", stepIdx, moduleIdx)

	name, _ := mod["name"].(string)
	if name == "" {
		return metaNode{}, &errors.ValidationError{Path: at + ".name", Message: "execution-groups node requires a name"}
	}

	rawGroups, _ := mod["groups"].([]any)
	if len(rawGroups) == 0 {
		return metaNode{}, &errors.ValidationError{Path: at + ".groups", Message: "execution-groups node requires at least one group"}
	}

	node := metaNode{stepIdx: stepIdx, moduleIdx: moduleIdx, name: name}
	for gi, rawGroup := range rawGroups {
		group, ok := rawGroup.(map[string]any)
		if !ok {
			return metaNode{}, &errors.ValidationError{
				Path:    fmt.Sprintf("%s.groups[%d]", at, gi),
				Message: "group must be an object",
			}
		}
		pathName, _ := group["name"].(string)
		if pathName == "" {
			return metaNode{}, &errors.ValidationError{
				Path:    fmt.Sprintf("%s.groups[%d].name", at, gi),
				Message: "group path requires a name",
			}
		}
		modules, _ := group["modules"].([]any)
		for pi, pm := range modules {
			if _, ok := pm.(map[string]any); !ok {
				return metaNode{}, &errors.ValidationError{
					Path:    fmt.Sprintf("%s.groups[%d].modules[%d]", at, gi, pi),
					Message: "path module must be an object",
				}
			}
		}
		schema, _ := group["output_schema"].(map[string]any)
		node.paths = append(node.paths, groupPath{
			name:         pathName,
			requires:     parseRequires(group["requires"]),
			modules:      modules,
			outputSchema: schema,
		})
	}
	return node, nil
}

func parseRequires(v any) []store.Requirement {
	raw, _ := v.([]any)
	var out []store.Requirement
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		capability, _ := m["capability"].(string)
		priority := 0
		if p, ok := m["priority"].(float64); ok {
			priority = int(p)
		}
		out = append(out, store.Requirement{Capability: capability, Priority: priority})
	}
	return out
}

// applySelection deep-copies the workflow and replaces each meta-node
// with its selected path's modules.
func applySelection(workflow map[string]any, nodes []metaNode, indices []int) (Variant, error) {
	out := deepCopyMap(workflow)
	variant := Variant{
		Workflow:      out,
		SelectedPaths: make(map[string]string, len(nodes)),
	}

	// Chosen path per (step, original module index), processed per step
	// so the rebuilt module lists keep document order.
	type chosen struct {
		node metaNode
		path groupPath
	}
	byStep := make(map[int]map[int]chosen)
	for i, node := range nodes {
		path := node.paths[indices[i]]
		if byStep[node.stepIdx] == nil {
			byStep[node.stepIdx] = make(map[int]chosen)
		}
		byStep[node.stepIdx][node.moduleIdx] = chosen{node: node, path: path}
		variant.SelectedPaths[node.name] = path.name
		variant.Requires = append(variant.Requires, path.requires...)
	}

	steps, _ := out["steps"].([]any)
	for si, rawStep := range steps {
		selections := byStep[si]
		if len(selections) == 0 {
			continue
		}
		step := rawStep.(map[string]any)
		modules, _ := step["modules"].([]any)

		rebuilt := make([]any, 0, len(modules))
		var validators []any
		for mi, rawModule := range modules {
			sel, isMeta := selections[mi]
			if !isMeta {
				rebuilt = append(rebuilt, rawModule)
				continue
			}
			for i, pathModule := range sel.path.modules {
				inlined := deepCopyAny(pathModule).(map[string]any)
				annotate(inlined, sel.node.name, sel.path.name, i)
				rebuilt = append(rebuilt, inlined)
			}
			if sel.path.outputSchema != nil {
				validators = append(validators, buildValidator(sel.node.name, sel.path))
			}
		}
		step["modules"] = append(rebuilt, validators...)
	}
	return variant, nil
}

func annotate(mod map[string]any, groupName, pathName string, index int) {
	meta, _ := mod["_metadata"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any, 3)
	}
	meta[MetaExpandedFrom] = groupName
	meta[MetaExpandedIndex] = index
	meta[MetaPathName] = pathName
	mod["_metadata"] = meta
}

// buildValidator synthesizes the end-of-step validator for a path that
// declared an output schema. It validates the state keys the path's
// modules wrote.
func buildValidator(groupName string, path groupPath) map[string]any {
	var stateKeys []any
	seen := map[string]bool{}
	for _, rawModule := range path.modules {
		mod, ok := rawModule.(map[string]any)
		if !ok {
			continue
		}
		outputs, _ := mod["outputs_to_state"].(map[string]any)
		for _, v := range outputs {
			key, ok := v.(string)
			if !ok || seen[key] {
				continue
			}
			seen[key] = true
			stateKeys = append(stateKeys, key)
		}
	}

	validator := map[string]any{
		"module_id": ValidatorModuleID,
		"name":      groupName + "_validator",
		"inputs": map[string]any{
			"schema":     deepCopyAny(path.outputSchema),
			"state_keys": stateKeys,
		},
		"_metadata": map[string]any{
			MetaExpandedFrom:  groupName,
			MetaExpandedIndex: -1,
			MetaPathName:      path.name,
		},
	}
	return validator
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyAny(v)
	}
	return out
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyAny(item)
		}
		return out
	default:
		return v
	}
}
