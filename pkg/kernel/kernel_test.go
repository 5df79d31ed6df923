package kernel

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aria-run/aria/pkg/audit"
	"github.com/aria-run/aria/pkg/registry"
	"github.com/aria-run/aria/pkg/router"
	"github.com/aria-run/aria/pkg/scrub"
	"github.com/aria-run/aria/pkg/types"
)

func openTestStore(t *testing.T) (*audit.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := audit.Open(path, scrub.New(nil))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

// tamperAuditPayload mutates a single record's payload directly at the
// storage layer, bypassing the Store entirely, to simulate an
// out-of-band tampering attempt that Verify must detect.
func tamperAuditPayload(t *testing.T, dbPath, sessionID string, seq uint64) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`UPDATE audit SET payload = ? WHERE session_id = ? AND seq = ?`,
		`{"tampered":true}`, sessionID, seq)
	require.NoError(t, err)
}

// writeReadFileTool registers a read_file tool backed by a real shell
// script so the sandbox actually spawns a child process, matching the
// out-of-process dispatch the kernel drives in production.
func writeReadFileTool(t *testing.T, allowedPath string) *registry.Registry {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "read_file")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\n"+
			"input=$(cat)\n"+
			"path=$(echo \"$input\" | sed -n 's/.*\"path\":\"\\([^\"]*\\)\".*/\\1/p')\n"+
			"content=$(cat \"$path\" 2>/dev/null)\n"+
			"printf '{\"output\":{\"content\":\"%s\"}}' \"$content\"\n"), 0o755))

	manifestJSON := `{
		"name": "read_file",
		"version": "1.0.0",
		"description": "reads a file",
		"permissions": ["FILESYSTEM_READ"],
		"allowed_paths": ["` + allowedPath + `"],
		"path_fields": ["path"],
		"timeout_seconds": 5,
		"input_schema": {"type": "object", "properties": {"path": {"type": "string"}}, "required": ["path"]},
		"output_schema": {"type": "object", "properties": {"content": {"type": "string"}}, "required": ["content"]},
		"entrypoint": "` + script + `"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifestJSON), 0o644))

	reg := registry.New()
	res, err := reg.Load(root)
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	return reg
}

func testLimits() types.Limits {
	return types.Limits{MaxSteps: 20, MaxCost: 100, Deadline: time.Now().Add(time.Hour)}
}

func TestRun_HappyPathNoTools(t *testing.T) {
	store, _ := openTestStore(t)
	reg := registry.New()
	p := router.NewMockProvider("mock", []router.ScriptedResponse{
		{Response: router.NormalizedResponse{Kind: router.ResponseFinalization, Text: "2, 3, 5, 7, 11"}},
	})
	k := New(store, reg, router.New(p, 5, 30*time.Second))

	outcome := k.Run(context.Background(), "What are the first 5 prime numbers?", testLimits(), nil, nil, nil)

	require.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, "2, 3, 5, 7, 11", outcome.Text)
	assert.False(t, outcome.Fatal)

	records, err := store.Query(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	var kinds []audit.Kind
	for _, r := range records {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, []audit.Kind{
		audit.KindSessionStart,
		audit.KindStateTransition,
		audit.KindBudgetCheck,
		audit.KindModelRequest,
		audit.KindModelResponse,
		audit.KindStateTransition,
		audit.KindSessionEnd,
	}, kinds)

	result, err := store.Verify(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	assert.True(t, result.Ok)
}

func TestRun_OneToolRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	tmpFile := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(tmpFile, []byte("hello"), 0o644))
	reg := writeReadFileTool(t, filepath.Dir(tmpFile))

	p := router.NewMockProvider("mock", []router.ScriptedResponse{
		{Response: router.NormalizedResponse{
			Kind: router.ResponseToolCall, ToolName: "read_file",
			ToolArgs: map[string]any{"path": tmpFile},
		}},
		{Response: router.NormalizedResponse{Kind: router.ResponseFinalization, Text: "hello"}},
	})
	k := New(store, reg, router.New(p, 5, 30*time.Second))

	outcome := k.Run(context.Background(), `read_file("`+tmpFile+`")`, testLimits(),
		[]types.Permission{types.PermissionFilesystemRead}, nil, nil)

	require.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, "hello", outcome.Text)

	records, err := store.Query(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	var kinds []audit.Kind
	for _, r := range records {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, []audit.Kind{
		audit.KindSessionStart,
		audit.KindStateTransition, // IDLE -> RUNNING
		audit.KindBudgetCheck,
		audit.KindModelRequest,
		audit.KindModelResponse,   // tool_call
		audit.KindStateTransition, // RUNNING -> WAITING
		audit.KindToolCall,
		audit.KindToolResult,
		audit.KindStateTransition, // WAITING -> RUNNING
		audit.KindBudgetCheck,
		audit.KindModelRequest,
		audit.KindModelResponse,   // finalization
		audit.KindStateTransition, // RUNNING -> DONE
		audit.KindSessionEnd,
	}, kinds)

	result, err := store.Verify(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	assert.True(t, result.Ok)
}

func TestRun_PathTraversalBlocked(t *testing.T) {
	store, _ := openTestStore(t)
	allowed := t.TempDir()
	outside := filepath.Join(t.TempDir(), "etc-passwd")
	require.NoError(t, os.WriteFile(outside, []byte("root:x"), 0o644))
	reg := writeReadFileTool(t, allowed)

	p := router.NewMockProvider("mock", []router.ScriptedResponse{
		{Response: router.NormalizedResponse{
			Kind: router.ResponseToolCall, ToolName: "read_file",
			ToolArgs: map[string]any{"path": outside},
		}},
	})
	k := New(store, reg, router.New(p, 5, 30*time.Second))

	outcome := k.Run(context.Background(), "read forbidden file", testLimits(),
		[]types.Permission{types.PermissionFilesystemRead}, nil, nil)

	require.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, types.KindPathTraversal, outcome.FailureKind)
	assert.False(t, outcome.Fatal)

	records, err := store.Query(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	errCount := 0
	for _, r := range records {
		if r.Kind == audit.KindError {
			errCount++
		}
	}
	assert.Equal(t, 1, errCount)
}

func TestRun_UnknownToolNameRejectedBeforeWaiting(t *testing.T) {
	store, _ := openTestStore(t)
	reg := registry.New() // no tools registered; catalog offered to the model is empty
	p := router.NewMockProvider("mock", []router.ScriptedResponse{
		{Response: router.NormalizedResponse{
			Kind: router.ResponseToolCall, ToolName: "delete_everything", ToolArgs: map[string]any{},
		}},
	})
	k := New(store, reg, router.New(p, 5, 30*time.Second))

	outcome := k.Run(context.Background(), "do something", testLimits(), nil, nil, nil)

	require.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, types.KindModelResponseMalformed, outcome.FailureKind)

	records, err := store.Query(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	var kinds []audit.Kind
	for _, r := range records {
		kinds = append(kinds, r.Kind)
	}
	// The router rejects the unknown tool name before the kernel ever sees
	// a MODEL_RESPONSE or transitions to WAITING.
	assert.Equal(t, []audit.Kind{
		audit.KindSessionStart,
		audit.KindStateTransition, // IDLE -> RUNNING
		audit.KindBudgetCheck,
		audit.KindModelRequest,
		audit.KindError,
		audit.KindStateTransition, // RUNNING -> FAILED
		audit.KindSessionEnd,
	}, kinds)
}

func TestRun_BreakerOpens(t *testing.T) {
	store, _ := openTestStore(t)
	reg := registry.New()

	script := make([]router.ScriptedResponse, 5)
	for i := range script {
		script[i] = router.ScriptedResponse{Err: types.New(types.KindModelProviderError, "upstream 503")}
	}
	p := router.NewMockProvider("mock", script)
	noRetry := router.WithBackoffPolicy(router.BackoffPolicy{MaxRetries: 0, Base: time.Millisecond, Factor: 1, JitterFrac: 0})
	rt := router.New(p, 5, 30*time.Second, noRetry)
	k := New(store, reg, rt)

	// Each of these five runs makes exactly one model call (no retries),
	// tripping the breaker on the fifth consecutive failure.
	for i := 0; i < 5; i++ {
		outcome := k.Run(context.Background(), "task", testLimits(), nil, nil, nil)
		require.Equal(t, OutcomeFailed, outcome.Kind)
	}

	outcome := k.Run(context.Background(), "task", testLimits(), nil, nil, nil)
	require.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, types.KindCircuitBreakerOpen, outcome.FailureKind)
}

func TestRun_AuditTamperingDetected(t *testing.T) {
	store, dbPath := openTestStore(t)
	reg := registry.New()
	p := router.NewMockProvider("mock", []router.ScriptedResponse{
		{Response: router.NormalizedResponse{Kind: router.ResponseFinalization, Text: "done"}},
	})
	k := New(store, reg, router.New(p, 5, 30*time.Second))

	outcome := k.Run(context.Background(), "task", testLimits(), nil, nil, nil)
	require.Equal(t, OutcomeCompleted, outcome.Kind)

	res, err := store.Verify(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	require.True(t, res.Ok)

	tamperAuditPayload(t, dbPath, outcome.SessionID, 2)

	result, err := store.Verify(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	assert.False(t, result.Ok)
	assert.Equal(t, uint64(2), result.BrokenAt)
}

func TestRun_BudgetExceeded(t *testing.T) {
	store, _ := openTestStore(t)
	root := t.TempDir()
	dir := filepath.Join(root, "loop_tool")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\nprintf '{\"output\":{}}'\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(`{
		"name": "loop_tool",
		"version": "1.0.0",
		"permissions": [],
		"timeout_seconds": 5,
		"input_schema": {"type": "object"},
		"output_schema": {"type": "object"},
		"entrypoint": "`+script+`"
	}`), 0o644))
	reg := registry.New()
	_, err := reg.Load(root)
	require.NoError(t, err)

	var script2 []router.ScriptedResponse
	for i := 0; i < 10; i++ {
		script2 = append(script2, router.ScriptedResponse{
			Response: router.NormalizedResponse{Kind: router.ResponseToolCall, ToolName: "loop_tool", ToolArgs: map[string]any{}},
		})
	}
	p := router.NewMockProvider("mock", script2)
	k := New(store, reg, router.New(p, 5, 30*time.Second))

	limits := types.Limits{MaxSteps: 2, MaxCost: 100, Deadline: time.Now().Add(time.Hour)}
	outcome := k.Run(context.Background(), "loop forever", limits, nil, nil, nil)

	require.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, types.KindStepLimitExceeded, outcome.FailureKind)

	records, err := store.Query(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, audit.KindSessionEnd, records[len(records)-1].Kind)
}
