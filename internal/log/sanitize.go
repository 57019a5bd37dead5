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

package log

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// DefaultBase64Threshold is the length above which base64 runs are
// elided from logged messages. Long base64 blobs are almost always
// binary payloads that would drown the log.
const DefaultBase64Threshold = 256

// Recognizable API key shapes: OpenAI-style sk-..., AWS access keys,
// and generic bearer tokens in key=value or header form.
var apiKeyPattern = regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{16,}|AKIA[0-9A-Z]{16}|(api[_-]?key|token|secret|authorization)["'\s:=]+[^\s"']{8,})`)

// Sanitizer removes sensitive or oversized content from messages before
// they reach the log. It is safe for concurrent use.
type Sanitizer struct {
	base64Run *regexp.Regexp
	home      string
}

// NewSanitizer creates a sanitizer with the given base64 elision threshold.
// A threshold <= 0 uses DefaultBase64Threshold.
func NewSanitizer(base64Threshold int) *Sanitizer {
	if base64Threshold <= 0 {
		base64Threshold = DefaultBase64Threshold
	}
	home, _ := os.UserHomeDir()
	return &Sanitizer{
		base64Run: regexp.MustCompile(fmt.Sprintf(`[A-Za-z0-9+/]{%d,}={0,2}`, base64Threshold)),
		home:      home,
	}
}

// Sanitize scrubs API keys, home-directory paths, and long base64 runs
// from msg. The scrubbed message is safe to log or persist in an event.
func (s *Sanitizer) Sanitize(msg string) string {
	msg = apiKeyPattern.ReplaceAllString(msg, "[REDACTED]")
	if s.home != "" && s.home != "/" {
		msg = strings.ReplaceAll(msg, s.home, "~")
	}
	msg = s.base64Run.ReplaceAllString(msg, "[BASE64 ELIDED]")
	return msg
}

// SanitizeAPIKey masks an API key, showing only the last 4 characters.
// Returns "[REDACTED]" if the key is shorter than 4 characters.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}
