package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aria-run/aria/pkg/canonicalize"
)

// Format is an export output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Bundle is the exportable evidence bundle for one session's chain.
type Bundle struct {
	SessionID  string   `json:"session_id"`
	EntryCount int      `json:"entry_count"`
	Records    []Record `json:"records"`
	ChainHead  string   `json:"chain_head"`
	BundleHash string   `json:"bundle_hash"`
}

// Export renders sessionID's audit chain in the requested format.
func (s *Store) Export(ctx context.Context, sessionID string, format Format) ([]byte, error) {
	records, err := s.Query(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON:
		return exportJSON(sessionID, records)
	case FormatText:
		return exportText(sessionID, records), nil
	default:
		return nil, fmt.Errorf("audit: unknown export format %q", format)
	}
}

func exportJSON(sessionID string, records []Record) ([]byte, error) {
	bundle := Bundle{SessionID: sessionID, EntryCount: len(records), Records: records}
	if len(records) > 0 {
		bundle.ChainHead = records[len(records)-1].Hash
	}
	hash, err := canonicalize.CanonicalHash(bundle.Records)
	if err != nil {
		return nil, fmt.Errorf("audit: computing bundle hash: %w", err)
	}
	bundle.BundleHash = hash
	return json.MarshalIndent(bundle, "", "  ")
}

func exportText(sessionID string, records []Record) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "session %s: %d records\n", sessionID, len(records))
	for _, r := range records {
		fmt.Fprintf(&buf, "  seq=%d kind=%-18s hash=%s prev=%s\n",
			r.Seq, r.Kind, shortHash(r.Hash), shortHash(r.PrevHash))
	}
	return buf.Bytes()
}

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
