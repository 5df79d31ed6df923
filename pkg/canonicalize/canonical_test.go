package canonicalize

import (
	"encoding/json"
	"testing"
)

func TestCanonicalize_ObjectKeysSorted(t *testing.T) {
	cases := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{
			name:  "audit record fields out of declaration order",
			input: map[string]any{"session_id": "s1", "kind": "MODEL_REQUEST", "seq": 3},
			want:  `{"kind":"MODEL_REQUEST","seq":3,"session_id":"s1"}`,
		},
		{
			name:  "tool arguments with nested permission scope",
			input: map[string]any{"path": "/tmp/aria-workspace/notes.txt", "scope": map[string]any{"write": true, "read": true}},
			want:  `{"path":"/tmp/aria-workspace/notes.txt","scope":{"read":true,"write":true}}`,
		},
		{
			name:  "empty object",
			input: map[string]any{},
			want:  `{}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Canonicalize(tc.input)
			if err != nil {
				t.Fatalf("Canonicalize: %v", err)
			}
			if string(b) != tc.want {
				t.Errorf("got %s, want %s", b, tc.want)
			}
		})
	}
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	// A tool output field containing markup shouldn't be HTML-escaped the
	// way encoding/json does by default — the audit log needs the exact
	// bytes the tool produced, not a mangled copy.
	input := map[string]any{"output": "<div class=\"note\">a & b</div>"}
	want := `{"output":"<div class=\"note\">a & b</div>"}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestCanonicalize_PreservesNumberLiterals(t *testing.T) {
	// Cost/latency fields in audit payloads must round-trip exactly —
	// a float64 detour would turn "0.10" into "0.1" or worse.
	input := map[string]any{"estimated_cost_usd": json.Number("0.10"), "latency_ms": json.Number("842")}
	want := `{"estimated_cost_usd":0.10,"latency_ms":842}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestCanonicalize_ArrayOrderIsPreserved(t *testing.T) {
	// Unlike object keys, array element order is significant (e.g. the
	// message history of a session) and must never be reordered.
	input := map[string]any{"tool_catalog": []any{"read_file", "write_file", "list_dir"}}
	want := `{"tool_catalog":["read_file","write_file","list_dir"]}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestCanonicalize_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"tool_call": map[string]any{
			"tool_name": "read_file",
			"args":      map[string]any{"path": "/tmp/aria-workspace/a.txt"},
		},
		"seq": 4,
	}
	want := `{"seq":4,"tool_call":{"args":{"path":"/tmp/aria-workspace/a.txt"},"tool_name":"read_file"}}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

// stepRecord mirrors the shape of an audit record: struct field order
// must not affect the hash, only the json tags' names do.
type stepRecord struct {
	Seq       int    `json:"seq"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
}

func TestCanonicalHash_StableAcrossConstructionPath(t *testing.T) {
	viaMap := map[string]any{"seq": json.Number("1"), "kind": "SESSION_START", "session_id": "s1"}
	viaStruct := stepRecord{Seq: 1, Kind: "SESSION_START", SessionID: "s1"}

	h1, err := CanonicalHash(viaMap)
	if err != nil {
		t.Fatalf("CanonicalHash(map): %v", err)
	}
	h2, err := CanonicalHash(viaStruct)
	if err != nil {
		t.Fatalf("CanonicalHash(struct): %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash differs by construction path: %s != %s", h1, h2)
	}
}

func TestCanonicalHash_DifferentPayloadsDiffer(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"seq": 1, "kind": "SESSION_START"})
	if err != nil {
		t.Fatalf("CanonicalHash: %v", err)
	}
	h2, err := CanonicalHash(map[string]any{"seq": 2, "kind": "SESSION_START"})
	if err != nil {
		t.Fatalf("CanonicalHash: %v", err)
	}
	if h1 == h2 {
		t.Error("expected different payloads to hash differently")
	}
}

func TestHashBytes_IsHexSHA256Length(t *testing.T) {
	h := HashBytes([]byte("aria"))
	if len(h) != 64 {
		t.Errorf("expected 64 hex chars, got %d (%s)", len(h), h)
	}
}

func TestCanonicalize_RejectsUnsupportedType(t *testing.T) {
	// channels can't appear in a JSON-shaped audit payload or tool
	// argument set; json.Marshal itself rejects them before our own
	// type switch would ever see one, which is the behavior we want.
	ch := make(chan int)
	if _, err := Canonicalize(map[string]any{"bad": ch}); err == nil {
		t.Error("expected an error for a channel value")
	}
}
