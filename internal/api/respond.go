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

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/ensemble/pkg/errors"
)

// writeJSON writes a JSON response with the given status code and data.
// Encoding failures are logged, not surfaced; the status line is already
// gone.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// errorBody is the wire shape of a failed request.
type errorBody struct {
	Status           string                    `json:"status"`
	Error            *errorDetail              `json:"error,omitempty"`
	ValidationErrors []*errors.ValidationError `json:"validation_errors,omitempty"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeError maps the error taxonomy onto HTTP statuses: validation
// failures are 400, missing resources 404, contested runs 409,
// everything else 500.
func writeError(w http.ResponseWriter, err error) {
	var verrs *errors.ValidationErrors
	if errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Status:           "validation_failed",
			ValidationErrors: verrs.Errors,
		})
		return
	}
	var verr *errors.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Status:           "validation_failed",
			ValidationErrors: []*errors.ValidationError{verr},
		})
		return
	}

	status := http.StatusInternalServerError
	var nf *errors.NotFoundError
	var busy *errors.BusyError
	switch {
	case errors.As(err, &nf):
		status = http.StatusNotFound
	case errors.As(err, &busy):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody{
		Status: "error",
		Error:  &errorDetail{Type: errors.Classify(err), Message: err.Error()},
	})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &errors.ValidationError{Path: "body", Message: "invalid JSON body: " + err.Error()}
	}
	return nil
}
