package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aria-run/aria/pkg/manifest"
	"github.com/aria-run/aria/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFixtureTool writes script as the body of an executable shell script
// and returns its path. The fixture scripts ignore stdin.
func writeFixtureTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func testManifest(t *testing.T, entrypoint string, timeoutSeconds int, allowedPaths []string, pathFields []string) *manifest.Manifest {
	t.Helper()
	body := `{
		"name": "echo_tool",
		"version": "1.0.0",
		"permissions": ["FILESYSTEM_READ"],
		"timeout_seconds": ` + itoa(timeoutSeconds) + `,
		"input_schema": {"type": "object", "properties": {"path": {"type": "string"}}, "required": ["path"]},
		"output_schema": {"type": "object", "properties": {"content": {"type": "string"}}, "required": ["content"]},
		"entrypoint": "` + entrypoint + `"`
	if len(allowedPaths) > 0 {
		body += `, "allowed_paths": [`
		for i, p := range allowedPaths {
			if i > 0 {
				body += ","
			}
			body += `"` + p + `"`
		}
		body += `]`
	}
	if len(pathFields) > 0 {
		body += `, "path_fields": [`
		for i, p := range pathFields {
			if i > 0 {
				body += ","
			}
			body += `"` + p + `"`
		}
		body += `]`
	}
	body += `}`

	m, err := manifest.Parse([]byte(body), "")
	require.NoError(t, err)
	return m
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestRun_HappyPath(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("hello"), 0o644))

	tool := writeFixtureTool(t, `echo '{"output":{"content":"hello"}}'`)
	m := testManifest(t, tool, 5, []string{filepath.Dir(tmpFile)}, []string{"path"})

	r := New()
	out, err := r.Run(context.Background(), m, map[string]any{"path": tmpFile}, []types.Permission{types.PermissionFilesystemRead})
	require.NoError(t, err)
	assert.Equal(t, "hello", out["content"])
}

func TestRun_PathTraversalBlocked(t *testing.T) {
	allowed := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	tool := writeFixtureTool(t, `echo '{"output":{"content":"x"}}'`)
	m := testManifest(t, tool, 5, []string{allowed}, []string{"path"})

	r := New()
	_, err := r.Run(context.Background(), m, map[string]any{"path": outside}, []types.Permission{types.PermissionFilesystemRead})
	require.Error(t, err)
	k, _ := types.KindOf(err)
	assert.Equal(t, types.KindPathTraversal, k)
}

func TestRun_PermissionDenied(t *testing.T) {
	tool := writeFixtureTool(t, `echo '{"output":{"content":"x"}}'`)
	m := testManifest(t, tool, 5, []string{t.TempDir()}, nil)

	r := New()
	_, err := r.Run(context.Background(), m, map[string]any{"path": "/tmp/x"}, []types.Permission{types.PermissionNetwork})
	require.Error(t, err)
	k, _ := types.KindOf(err)
	assert.Equal(t, types.KindPermissionDenied, k)
}

func TestRun_InputValidationFailsBeforeExecution(t *testing.T) {
	tool := writeFixtureTool(t, `echo 'this tool must never run' >&2; exit 1`)
	m := testManifest(t, tool, 5, nil, nil)

	r := New()
	_, err := r.Run(context.Background(), m, map[string]any{}, []types.Permission{types.PermissionFilesystemRead})
	require.Error(t, err)
	k, _ := types.KindOf(err)
	assert.Equal(t, types.KindToolInputValidationError, k)
}

func TestRun_Timeout(t *testing.T) {
	tool := writeFixtureTool(t, `sleep 5; echo '{"output":{"content":"late"}}'`)
	m := testManifest(t, tool, 1, nil, nil)

	r := New()
	_, err := r.Run(context.Background(), m, map[string]any{"path": "/tmp/x"}, []types.Permission{types.PermissionFilesystemRead})
	require.Error(t, err)
	k, _ := types.KindOf(err)
	assert.Equal(t, types.KindToolTimeout, k)
}

func TestRun_CrashWithNoStructuredReply(t *testing.T) {
	tool := writeFixtureTool(t, `echo 'boom' >&2; exit 1`)
	m := testManifest(t, tool, 5, nil, nil)

	r := New()
	_, err := r.Run(context.Background(), m, map[string]any{"path": "/tmp/x"}, []types.Permission{types.PermissionFilesystemRead})
	require.Error(t, err)
	k, _ := types.KindOf(err)
	assert.Equal(t, types.KindToolCrashed, k)
}

func TestRun_StructuredErrorReplyIsCrashed(t *testing.T) {
	tool := writeFixtureTool(t, `echo '{"error":"disk full"}'; exit 1`)
	m := testManifest(t, tool, 5, nil, nil)

	r := New()
	_, err := r.Run(context.Background(), m, map[string]any{"path": "/tmp/x"}, []types.Permission{types.PermissionFilesystemRead})
	require.Error(t, err)
	k, _ := types.KindOf(err)
	assert.Equal(t, types.KindToolCrashed, k)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRun_DefaultManifestGetsMemoryLimit(t *testing.T) {
	tool := writeFixtureTool(t, `echo '{"output":{"content":"hello"}}'`)
	m := testManifest(t, tool, 5, nil, nil)
	assert.Equal(t, 256, m.MaxMemoryMB)
}

func TestSetMemoryLimit_ZeroIsNoop(t *testing.T) {
	require.NoError(t, setMemoryLimit(os.Getpid(), 0))
}

func TestSetMemoryLimit_AppliesToSelf(t *testing.T) {
	// Setting a generous limit on our own pid must not fail or affect the
	// running test process, unlike a limit low enough to be hit.
	require.NoError(t, setMemoryLimit(os.Getpid(), 4<<30))
}

func TestRun_OutputSchemaViolation(t *testing.T) {
	tool := writeFixtureTool(t, `echo '{"output":{"wrong_field":"x"}}'`)
	m := testManifest(t, tool, 5, nil, nil)

	r := New()
	_, err := r.Run(context.Background(), m, map[string]any{"path": "/tmp/x"}, []types.Permission{types.PermissionFilesystemRead})
	require.Error(t, err)
	k, _ := types.KindOf(err)
	assert.Equal(t, types.KindToolOutputValidationError, k)
}
