// Package scrub redacts secrets from audit payloads before they are
// hashed and persisted. It is invoked unconditionally by the audit store
// on every append; there is no path that bypasses it.
package scrub

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"

	"github.com/aria-run/aria/pkg/types"
)

const redactedToken = "[REDACTED]"

// knownAPIKeyPatterns matches common third-party API key shapes. Kept
// small and specific: a broad pattern would redact ordinary session or
// tool-call identifiers and destroy audit fidelity.
var knownAPIKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
}

// Scrubber holds the set of literal secret substrings registered at
// startup, plus the fixed API-key patterns.
type Scrubber struct {
	substrings []string
}

// New builds a Scrubber from the current environment: the value of every
// env var named in envVarNames is registered as a literal substring to
// redact. Empty values are ignored.
func New(envVarNames []string) *Scrubber {
	s := &Scrubber{}
	for _, name := range envVarNames {
		if v := os.Getenv(name); v != "" {
			s.substrings = append(s.substrings, v)
		}
	}
	return s
}

// Register adds an additional literal substring to redact.
func (s *Scrubber) Register(secret string) {
	if secret != "" {
		s.substrings = append(s.substrings, secret)
	}
}

// ScrubText replaces every registered secret substring and every string
// matching a known API-key pattern with a fixed token.
func (s *Scrubber) ScrubText(text string) string {
	out := text
	for _, secret := range s.substrings {
		out = strings.ReplaceAll(out, secret, redactedToken)
	}
	for _, re := range knownAPIKeyPatterns {
		out = re.ReplaceAllString(out, redactedToken)
	}
	return out
}

// ScrubPayload walks an arbitrary JSON-shaped value (as produced by
// json.Unmarshal into interface{}, or map[string]any / []any / scalars)
// and returns a deep copy with every string leaf scrubbed. A payload that
// cannot be walked (unsupported Go type) is a fatal scrubber failure, per
// the "scrubber failure is fatal" rule: the audit store must never
// persist content it could not attempt to scrub.
func (s *Scrubber) ScrubPayload(payload any) (any, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case string:
		return s.ScrubText(v), nil
	case json.Number:
		return v, nil
	case bool:
		return v, nil
	case float64, int, int64:
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			scrubbed, err := s.ScrubPayload(val)
			if err != nil {
				return nil, err
			}
			out[s.ScrubText(k)] = scrubbed
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			scrubbed, err := s.ScrubPayload(val)
			if err != nil {
				return nil, err
			}
			out[i] = scrubbed
		}
		return out, nil
	default:
		return nil, types.New(types.KindAuditWriteFailure, "scrubber cannot walk unsupported payload type")
	}
}

// ScrubJSON scrubs a raw JSON document and returns the re-marshaled,
// scrubbed JSON. Used by the audit store to sanitize payloads that arrive
// as json.RawMessage.
func (s *Scrubber) ScrubJSON(raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var generic any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, types.Wrap(types.KindAuditWriteFailure, "scrubber received malformed JSON payload", err)
	}
	scrubbed, err := s.ScrubPayload(generic)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(scrubbed)
	if err != nil {
		return nil, types.Wrap(types.KindAuditWriteFailure, "scrubber failed to re-marshal payload", err)
	}
	return out, nil
}
