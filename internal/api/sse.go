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
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/pkg/errors"
)

// SSE event types emitted by the sub-action stream beyond the module's
// own started/progress/complete/error events.
const (
	sseCancelled        = "cancelled"
	sseValidationFailed = "validation_failed"
	sseStateSnapshot    = "state_snapshot"
	sseStateUpdate      = "state_update"
)

// handleSubAction streams a sub-action of the pending interaction as
// server-sent events. The stream opens with a state snapshot, forwards
// the module's events, and closes with a state update after a terminal
// event. Client disconnects end the stream with a cancelled event.
func (s *Server) handleSubAction(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	interactionID := chi.URLParam(r, "interactionID")
	actionID := chi.URLParam(r, "actionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported by connection"))
		return
	}

	var params map[string]any
	if r.ContentLength > 0 {
		if err := decodeBody(r, &params); err != nil {
			writeError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	emit := func(event string, data any) {
		raw, err := json.Marshal(data)
		if err != nil {
			raw = []byte("{}")
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
		flusher.Flush()
	}

	snap, err := s.engine.GetState(ctx, runID)
	if err != nil {
		emit(streamErrorEvent(err), map[string]any{"message": err.Error()})
		return
	}
	emit(sseStateSnapshot, snap)

	stream, err := s.engine.SubAction(ctx, runID, interactionID, actionID, params)
	if err != nil {
		emit(streamErrorEvent(err), map[string]any{"message": err.Error()})
		return
	}

	for {
		select {
		case <-ctx.Done():
			emit(sseCancelled, map[string]any{"reason": "client disconnected"})
			return
		case ev, open := <-stream:
			if !open {
				if updated, err := s.engine.GetState(ctx, runID); err == nil {
					emit(sseStateUpdate, updated)
				} else {
					s.logger.WarnContext(ctx, "state refresh after stream failed",
						log.RunIDKey, runID, log.Error(err))
				}
				return
			}
			emit(ev.Type, ev.Data)
		}
	}
}

func streamErrorEvent(err error) string {
	var verr *errors.ValidationError
	var verrs *errors.ValidationErrors
	if errors.As(err, &verr) || errors.As(err, &verrs) {
		return sseValidationFailed
	}
	return "error"
}
