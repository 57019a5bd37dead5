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

// Package ids generates time-sortable identifiers.
//
// Identifiers are UUIDv7 hex strings: lexicographic ordering equals
// creation-time ordering, which is what the event log and branch lineage
// rely on. All id generation in the engine goes through this package so
// the ordering guarantee lives in exactly one place.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh time-sortable identifier.
//
// Panics if the system entropy source fails; there is no meaningful way
// to continue without identifiers.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic("ids: uuidv7 generation failed: " + err.Error())
	}
	return id.String()
}

// Less reports whether id a was created before id b.
// With UUIDv7 identifiers this is plain lexicographic comparison.
func Less(a, b string) bool {
	return strings.Compare(a, b) < 0
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
