package types

import "testing"

func TestNewExecutionContext_SnapshotsCurrentState(t *testing.T) {
	s := NewSession("s1", "do the thing")
	s.Step = 2
	s.Cost = 1.5
	s.Permissions = []Permission{PermissionFilesystemRead}

	limits := Limits{MaxSteps: 10, MaxCost: 5}
	ctx := NewExecutionContext(s, limits, []string{"read_file"}, "trace-1")

	if ctx.SessionID != s.ID {
		t.Errorf("SessionID = %q, want %q", ctx.SessionID, s.ID)
	}
	if ctx.TraceID != "trace-1" {
		t.Errorf("TraceID = %q, want %q", ctx.TraceID, "trace-1")
	}
	if ctx.StepNumber != s.Step {
		t.Errorf("StepNumber = %d, want %d", ctx.StepNumber, s.Step)
	}
	if ctx.Cost != s.Cost {
		t.Errorf("Cost = %v, want %v", ctx.Cost, s.Cost)
	}
	if len(ctx.History) != len(s.History) {
		t.Errorf("History length = %d, want %d", len(ctx.History), len(s.History))
	}
	if len(ctx.AllowedTools) != 1 || ctx.AllowedTools[0] != "read_file" {
		t.Errorf("AllowedTools = %v, want [read_file]", ctx.AllowedTools)
	}
	if len(ctx.Permissions) != 1 || ctx.Permissions[0] != PermissionFilesystemRead {
		t.Errorf("Permissions = %v, want [FILESYSTEM_READ]", ctx.Permissions)
	}
}

func TestNewExecutionContext_HistoryIsAnIndependentSnapshot(t *testing.T) {
	// Mutating the session's history after building an ExecutionContext
	// must not retroactively change a step already in flight — the
	// context is a snapshot, not a live view.
	s := NewSession("s1", "task")
	ctx := NewExecutionContext(s, Limits{}, nil, "trace-1")

	s.Append(Message{Role: RoleAssistant, Text: "appended after snapshot"})

	if len(ctx.History) != 1 {
		t.Errorf("snapshot History length = %d, want 1 (unaffected by later Append)", len(ctx.History))
	}
}
