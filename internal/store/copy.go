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

// Deep-copy helpers for the memory store. Stored documents must never
// alias caller memory, so every read and write goes through one of these.

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	out := *u
	return &out
}

func copyTemplate(t *Template) *Template {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func copyVersion(v *Version) *Version {
	if v == nil {
		return nil
	}
	out := *v
	if v.Requires != nil {
		out.Requires = append([]Requirement(nil), v.Requires...)
	}
	if v.SelectedPaths != nil {
		out.SelectedPaths = make(map[string]string, len(v.SelectedPaths))
		for k, val := range v.SelectedPaths {
			out.SelectedPaths[k] = val
		}
	}
	out.Resolved = copyAnyMap(v.Resolved)
	return &out
}

func copyRun(r *Run) *Run {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

func copyBranch(b *Branch) *Branch {
	if b == nil {
		return nil
	}
	out := *b
	out.Lineage = make([]LineageEntry, len(b.Lineage))
	for i, entry := range b.Lineage {
		out.Lineage[i] = LineageEntry{BranchID: entry.BranchID}
		if entry.CutoffEventID != nil {
			cutoff := *entry.CutoffEventID
			out.Lineage[i].CutoffEventID = &cutoff
		}
	}
	return &out
}

func copyEvent(e *Event) *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Data = copyAnyMap(e.Data)
	return &out
}

func copyFile(f *File) *File {
	if f == nil {
		return nil
	}
	out := *f
	out.Content = copyAny(f.Content)
	return &out
}

func copyTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Payload = copyAnyMap(t.Payload)
	out.Result = copyAnyMap(t.Result)
	if t.ClaimedAt != nil {
		claimed := *t.ClaimedAt
		out.ClaimedAt = &claimed
	}
	if t.HeartbeatAt != nil {
		hb := *t.HeartbeatAt
		out.HeartbeatAt = &hb
	}
	if t.Progress != nil {
		progress := *t.Progress
		out.Progress = &progress
	}
	if t.Error != nil {
		terr := *t.Error
		terr.Details = copyAnyMap(t.Error.Details)
		out.Error = &terr
	}
	return &out
}

func copyGeneration(g *Generation) *Generation {
	if g == nil {
		return nil
	}
	out := *g
	out.Metadata = copyAnyMap(g.Metadata)
	return &out
}

func copyContentItem(c *ContentItem) *ContentItem {
	if c == nil {
		return nil
	}
	out := *c
	out.Content = copyAny(c.Content)
	out.Metadata = copyAnyMap(c.Metadata)
	return &out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyAny(v)
	}
	return out
}

func copyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyAnyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyAny(item)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	default:
		// Scalars (and time.Time) are value types.
		return v
	}
}
