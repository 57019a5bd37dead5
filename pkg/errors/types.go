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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents a single input validation failure.
// Use this for malformed requests, unknown module ids, unresolvable
// references, and schema mismatches. Validation errors never mutate
// run state.
type ValidationError struct {
	// Path identifies the location of the failure (e.g. "steps[1].modules[0].inputs.prompt")
	Path string `json:"path,omitempty"`

	// Message is the human-readable error description
	Message string `json:"message"`

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string `json:"suggestion,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("validation failed at %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// ValidationErrors aggregates multiple validation failures so an upload
// can report every problem in one pass.
type ValidationErrors struct {
	Errors []*ValidationError
}

// Error implements the error interface.
func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("validation failed with %d errors (first: %s)", len(e.Errors), e.Errors[0].Error())
}

// Append adds a validation error to the list.
func (e *ValidationErrors) Append(path, message string) {
	e.Errors = append(e.Errors, &ValidationError{Path: path, Message: message})
}

// AppendError adds an already-built validation error to the list.
func (e *ValidationErrors) AppendError(verr *ValidationError) {
	e.Errors = append(e.Errors, verr)
}

// HasErrors reports whether any failures were recorded.
func (e *ValidationErrors) HasErrors() bool { return len(e.Errors) > 0 }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "workflow_run", "version", "module")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ModuleError represents a module execution failure. It carries the
// classification fields persisted on module_error events; the run
// transitions to error and a later resume may retry or jump back.
type ModuleError struct {
	// StepID identifies the step containing the failed module
	StepID string

	// Module is the module name within the step
	Module string

	// Kind classifies the failure (e.g. "execution", "type_mismatch", "not_registered")
	Kind string

	// Message is the human-readable error message
	Message string

	// Details holds structured context for the event log
	Details map[string]any

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s/%s failed (%s): %s", e.StepID, e.Module, e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ModuleError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ModuleError) ErrorType() string { return "module_error" }

// IsRetryable implements ErrorClassifier.
func (e *ModuleError) IsRetryable() bool { return true }

// ProviderError represents an external provider failure surfaced through
// the task queue: authentication, rate limits, insufficient credits,
// timeouts, generation failures. Terminal on the task; the submitting
// module may retry by enqueuing again.
type ProviderError struct {
	// Provider is the concurrency-group / provider name
	Provider string

	// Kind classifies the failure ("auth", "rate_limit", "credits", "timeout", "generation", "download")
	Kind string

	// Message is the human-readable error message
	Message string

	// RetryAfter is populated for rate-limit errors
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error (%s): %s", e.Provider, e.Kind, e.Message)
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %v)", msg, e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ProviderError) ErrorType() string { return "provider" }

// IsRetryable implements ErrorClassifier.
func (e *ProviderError) IsRetryable() bool {
	return e.Kind == "rate_limit" || e.Kind == "timeout"
}

// BusyError is returned when a second concurrent engine call is attempted
// on a run that is already being driven. Clients should back off and retry.
type BusyError struct {
	// RunID is the contested workflow run
	RunID string
}

// Error implements the error interface.
func (e *BusyError) Error() string {
	return fmt.Sprintf("workflow busy: %s", e.RunID)
}

// ErrorType implements ErrorClassifier.
func (e *BusyError) ErrorType() string { return "busy" }

// IsRetryable implements ErrorClassifier.
func (e *BusyError) IsRetryable() bool { return true }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g. "worker.heartbeat_interval")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g. file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// FatalError represents unrecoverable conditions: storage unavailable,
// corrupted lineage (self-referential or missing root). These abort the
// call with no automatic recovery.
type FatalError struct {
	// Operation describes what was being attempted
	Operation string

	// Message explains the unrecoverable condition
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error in %s: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *FatalError) ErrorType() string { return "fatal" }

// IsRetryable implements ErrorClassifier.
func (e *FatalError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "stream chunk wait")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }
