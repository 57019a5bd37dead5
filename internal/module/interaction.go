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

package module

// InteractionType discriminates the interaction-request union.
type InteractionType string

const (
	InteractionTextInput            InteractionType = "text_input"
	InteractionSelectFromStructured InteractionType = "select_from_structured"
	InteractionReviewGrouped        InteractionType = "review_grouped"
	InteractionFileInput            InteractionType = "file_input"
	InteractionFileDownload         InteractionType = "file_download"
	InteractionFormInput            InteractionType = "form_input"
	InteractionMediaGeneration      InteractionType = "media_generation"
	InteractionResumeChoice         InteractionType = "resume_choice"
	InteractionRetryOptions         InteractionType = "retry_options"
)

// InteractionRequest is the tagged union an interactive module hands the
// client. Only the fields relevant to Type are populated.
type InteractionRequest struct {
	InteractionID string          `json:"interaction_id"`
	Type          InteractionType `json:"interaction_type"`
	Title         string          `json:"title,omitempty"`
	Prompt        string          `json:"prompt,omitempty"`

	// select_from_structured, resume_choice, retry_options
	Options     []SelectOption `json:"options,omitempty"`
	MultiSelect bool           `json:"multi_select,omitempty"`

	// review_grouped
	Groups []ReviewGroup `json:"groups,omitempty"`

	// form_input
	Schema   map[string]any `json:"schema,omitempty"`
	Defaults map[string]any `json:"defaults,omitempty"`

	// file_input
	Accept []string `json:"accept,omitempty"`

	// file_download
	Download *FileDownload `json:"download,omitempty"`

	// media_generation
	Media *MediaRequest `json:"media,omitempty"`

	// ResolverSchema marks fields the client materializes itself; it is
	// passed through unresolved by the server-side resolver.
	ResolverSchema map[string]any `json:"resolver_schema,omitempty"`
}

// SelectOption is one selectable item. Addon decorations land in
// Metadata.
type SelectOption struct {
	Label    string         `json:"label"`
	Value    any            `json:"value,omitempty"`
	Metadata map[string]any `json:"_metadata,omitempty"`
}

// ReviewGroup is one group of reviewable items.
type ReviewGroup struct {
	GroupID string           `json:"group_id"`
	Title   string           `json:"title,omitempty"`
	Items   []map[string]any `json:"items"`
}

// FileDownload describes content offered to the client.
type FileDownload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     any    `json:"content"`
}

// MediaRequest describes an in-flight generation the client can watch.
type MediaRequest struct {
	Provider string         `json:"provider"`
	Prompt   string         `json:"prompt,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	TaskID   string         `json:"task_id"`
}

// InteractionResponse is the client's answer to a request. Exactly the
// fields matching the request type are expected; the control flags at
// the bottom redirect the engine instead of storing outputs.
type InteractionResponse struct {
	InteractionID string `json:"interaction_id"`

	Value           any            `json:"value,omitempty"`
	SelectedIndices []int          `json:"selected_indices,omitempty"`
	SelectedOptions []any          `json:"selected_options,omitempty"`
	FormData        map[string]any `json:"form_data,omitempty"`

	FileName        string `json:"file_name,omitempty"`
	FileContentType string `json:"file_content_type,omitempty"`
	FileContent     any    `json:"file_content,omitempty"`

	SelectedContentIDs []string         `json:"selected_content_ids,omitempty"`
	SelectedContent    []any            `json:"selected_content,omitempty"`
	Generations        []map[string]any `json:"generations,omitempty"`

	Cancelled bool `json:"cancelled,omitempty"`

	RetryRequested bool     `json:"retry_requested,omitempty"`
	RetryFeedback  string   `json:"retry_feedback,omitempty"`
	RetryGroups    []string `json:"retry_groups,omitempty"`

	JumpBackRequested bool   `json:"jump_back_requested,omitempty"`
	JumpBackTarget    string `json:"jump_back_target,omitempty"`
}
