package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aria-run/aria/pkg/kernel"
	"github.com/aria-run/aria/pkg/types"
)

// runRunCmd implements `aria run <task>`. It drives one session to
// completion against the wired provider and tool registry.
//
// Exit codes: 0 completed, 2 user error, 3 budget exceeded, 4 tool
// failure, 5 model failure, 10 fatal invariant violation.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var allow string
	var toolAllow string
	cmd.StringVar(&allow, "allow", "", "comma-separated permissions to grant (e.g. FILESYSTEM_READ,NETWORK)")
	cmd.StringVar(&toolAllow, "tools", "", "comma-separated tool names to offer (default: all registered)")

	if err := cmd.Parse(args); err != nil {
		return exitUserError
	}
	if cmd.NArg() < 1 {
		fmt.Fprintln(stderr, "aria: run requires a task argument")
		return exitUserError
	}
	task := strings.Join(cmd.Args(), " ")

	permissions, err := parsePermissions(allow)
	if err != nil {
		fmt.Fprintf(stderr, "aria: %v\n", err)
		return exitUserError
	}
	var allowedTools []string
	if toolAllow != "" {
		allowedTools = strings.Split(toolAllow, ",")
	}

	cfg := loadConfig()
	comp, err := wire(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "aria: %v\n", err)
		return exitUserError
	}
	defer comp.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cancel := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(cancel)
	}()

	limits := cfg.limits()
	outcome := comp.kernel.Run(ctx, task, limits, permissions, allowedTools, cancel)

	comp.logger.Info("run finished", "session_id", outcome.SessionID, "outcome", outcome.Kind)

	return reportOutcome(outcome, stdout, stderr)
}

func parsePermissions(csv string) ([]types.Permission, error) {
	if csv == "" {
		return nil, nil
	}
	var out []types.Permission
	for _, raw := range strings.Split(csv, ",") {
		p := types.Permission(strings.TrimSpace(raw))
		if !types.ValidPermission(p) {
			return nil, fmt.Errorf("unknown permission %q", raw)
		}
		out = append(out, p)
	}
	return out, nil
}

func reportOutcome(outcome kernel.Outcome, stdout, stderr io.Writer) int {
	switch outcome.Kind {
	case kernel.OutcomeCompleted:
		fmt.Fprintln(stdout, outcome.Text)
		return exitOK
	case kernel.OutcomeCancelled:
		fmt.Fprintln(stderr, "aria: run cancelled")
		return exitUserError
	case kernel.OutcomeFailed:
		fmt.Fprintf(stderr, "aria: run failed: %s: %s\n", outcome.FailureKind, outcome.Message)
		if outcome.Fatal {
			return exitFatal
		}
		return exitCodeForFailure(outcome.FailureKind)
	default:
		fmt.Fprintf(stderr, "aria: unrecognized outcome %q\n", outcome.Kind)
		return exitFatal
	}
}

func exitCodeForFailure(kind types.Kind) int {
	switch kind {
	case types.KindStepLimitExceeded, types.KindCostLimitExceeded, types.KindDeadlineExceeded:
		return exitBudgetExceeded
	case types.KindToolInputValidationError, types.KindToolOutputValidationError, types.KindToolTimeout,
		types.KindToolCrashed, types.KindToolMemoryLimitExceeded, types.KindPathTraversal,
		types.KindPermissionDenied, types.KindUnknownTool:
		return exitToolFailure
	case types.KindModelProviderError, types.KindModelRateLimitError, types.KindModelResponseMalformed,
		types.KindCircuitBreakerOpen:
		return exitModelFailure
	default:
		return exitUserError
	}
}
