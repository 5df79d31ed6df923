// Package sandbox implements the Sandbox Runner: the ordered enforcement
// pipeline that stands between a model-issued tool call and the
// out-of-process executable that implements it. Every step must pass
// before the next runs; no step is skippable.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aria-run/aria/pkg/manifest"
	"github.com/aria-run/aria/pkg/types"
)

// wireRequest is the structured payload written to the tool's stdin.
// Arguments are always passed this way — never by string interpolation
// into a command line, and never through a shell.
type wireRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// wireResponse is the structured payload a well-behaved tool writes to
// stdout.
type wireResponse struct {
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Runner executes tools out-of-process under the manifest's declared
// constraints.
type Runner struct{}

// New returns a Runner.
func New() *Runner { return &Runner{} }

// Run executes m's entrypoint against input, honoring granted permissions
// and the manifest's path allowlist, and returns the tool's structured
// output.
func (r *Runner) Run(ctx context.Context, m *manifest.Manifest, input map[string]any, granted []types.Permission) (map[string]any, error) {
	if err := m.ValidateInput(input); err != nil {
		return nil, err
	}

	if !m.PermissionsSubsetOf(granted) {
		return nil, types.New(types.KindPermissionDenied,
			fmt.Sprintf("tool %q requires permissions not granted to this session", m.Name))
	}

	if err := checkPaths(m, input); err != nil {
		return nil, err
	}

	output, err := r.execute(ctx, m, input)
	if err != nil {
		return nil, err
	}

	if err := m.ValidateOutput(output); err != nil {
		return nil, err
	}

	return output, nil
}

// checkPaths canonicalizes every manifest-declared path field and checks
// it against the manifest's allowlist by prefix.
func checkPaths(m *manifest.Manifest, input map[string]any) error {
	for _, field := range m.PathFields {
		raw, ok := input[field]
		if !ok {
			continue
		}
		p, ok := raw.(string)
		if !ok {
			return types.New(types.KindPathTraversal,
				fmt.Sprintf("tool %q field %q is not a string path", m.Name, field))
		}

		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			// Path may not exist yet (e.g. a write target); fall back to
			// lexical cleaning so writes to new files are still checked.
			resolved = filepath.Clean(p)
		}
		if !filepath.IsAbs(resolved) {
			return types.New(types.KindPathTraversal,
				fmt.Sprintf("tool %q field %q resolved to a non-absolute path", m.Name, field))
		}

		if !isAllowed(resolved, m.AllowedPaths) {
			return types.New(types.KindPathTraversal,
				fmt.Sprintf("tool %q field %q (%s) is outside the allowed path set", m.Name, field, resolved))
		}
	}
	return nil
}

func isAllowed(resolved string, allowed []string) bool {
	for _, prefix := range allowed {
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// execute runs the manifest's entrypoint as a child process, feeding it
// input over stdin and reading its structured reply from stdout. The
// child runs in its own process group so the full tree can be killed on
// timeout.
func (r *Runner) execute(ctx context.Context, m *manifest.Manifest, input map[string]any) (map[string]any, error) {
	timeout := time.Duration(m.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.Entrypoint)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On timeout, signal the whole process group (pgid == child pid under
	// Setpgid) rather than only the direct child.
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }

	reqBytes, err := json.Marshal(wireRequest{Tool: m.Name, Args: input})
	if err != nil {
		return nil, types.Wrap(types.KindToolCrashed, "failed to marshal tool request", err)
	}
	cmd.Stdin = bytes.NewReader(reqBytes)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Start()
	if err != nil {
		return nil, types.Wrap(types.KindToolCrashed, fmt.Sprintf("failed to start tool %q", m.Name), err)
	}

	limitBytes := m.MaxMemoryBytes()
	if limitErr := setMemoryLimit(cmd.Process.Pid, limitBytes); limitErr != nil {
		// Best-effort, same as the reference sandbox's own try/except around
		// resource.setrlimit: a container that denies prlimit still runs the
		// tool, just without the address-space ceiling.
		stderr.WriteString(fmt.Sprintf("aria: could not set memory limit: %v\n", limitErr))
	}

	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		killProcessGroup(cmd)
		return nil, types.New(types.KindToolTimeout,
			fmt.Sprintf("tool %q exceeded its %s timeout", m.Name, timeout))
	}

	if waitErr != nil && processHitMemoryLimit(cmd, waitErr, limitBytes) {
		return nil, types.New(types.KindToolMemoryLimitExceeded,
			fmt.Sprintf("tool %q exceeded its %d MB memory limit", m.Name, m.MaxMemoryMB))
	}

	var resp wireResponse
	if decodeErr := json.Unmarshal(stdout.Bytes(), &resp); decodeErr != nil {
		if waitErr != nil {
			return nil, types.New(types.KindToolCrashed,
				fmt.Sprintf("tool %q exited (%v) with no structured reply: %s", m.Name, waitErr, stderr.String()))
		}
		return nil, types.Wrap(types.KindToolCrashed, fmt.Sprintf("tool %q produced an unparseable reply", m.Name), decodeErr)
	}

	if resp.Error != "" {
		return nil, types.New(types.KindToolCrashed, fmt.Sprintf("tool %q reported an error: %s", m.Name, resp.Error))
	}
	if waitErr != nil {
		return nil, types.New(types.KindToolCrashed,
			fmt.Sprintf("tool %q exited non-zero (%v) despite a structured reply", m.Name, waitErr))
	}

	return resp.Output, nil
}

// setMemoryLimit bounds pid's address space via prlimit(2). Unlike the
// reference sandbox, which sets RLIMIT_AS on itself before exec'ing the tool
// module in-process, ARIA's entrypoint is an arbitrary external binary the
// sandbox does not control the source of, so the limit is applied to the
// already-running child from the parent instead. This leaves a small window
// between fork and the prlimit call during which the child is unbounded;
// it is the same best-effort tradeoff the reference implementation accepts
// when resource.setrlimit itself fails under a restrictive container.
func setMemoryLimit(pid int, limitBytes uint64) error {
	if limitBytes == 0 {
		return nil
	}
	rlimit := unix.Rlimit{Cur: limitBytes, Max: limitBytes}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &rlimit, nil)
}

// processHitMemoryLimit heuristically classifies a nonzero exit as an
// out-of-memory kill: the child was terminated by a signal commonly raised
// when malloc or the kernel's OOM path reacts to an exhausted address
// space, and its reported peak resident set sits at or above 90% of the
// configured ceiling. Arbitrary entrypoints have no equivalent of Python's
// catchable MemoryError, so this is an approximation, not a certainty.
func processHitMemoryLimit(cmd *exec.Cmd, waitErr error, limitBytes uint64) bool {
	if limitBytes == 0 {
		return false
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return false
	}
	switch status.Signal() {
	case syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT, syscall.SIGKILL:
	default:
		return false
	}
	usage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok {
		return false
	}
	// Maxrss is reported in KB on Linux.
	return uint64(usage.Maxrss)*1024 >= limitBytes*9/10
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
