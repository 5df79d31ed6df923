// Package kernel implements the Agent Kernel: the deterministic step loop
// that drives a Session through the FSM, mediates schema-validated tool
// calls between the Model Router and the Sandbox Runner, enforces hard
// step/cost/deadline budgets, and emits one audit record per transition.
package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aria-run/aria/pkg/audit"
	"github.com/aria-run/aria/pkg/fsm"
	"github.com/aria-run/aria/pkg/registry"
	"github.com/aria-run/aria/pkg/router"
	"github.com/aria-run/aria/pkg/sandbox"
	"github.com/aria-run/aria/pkg/scanner"
	"github.com/aria-run/aria/pkg/types"
)

// OutcomeKind is the closed set of ways a run can end.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "COMPLETED"
	OutcomeFailed    OutcomeKind = "FAILED"
	OutcomeCancelled OutcomeKind = "CANCELLED"
)

// Outcome is the terminal result of a kernel run. FailureKind and Message
// are populated only when Kind is OutcomeFailed. Fatal reports a
// violation of a core invariant (InvalidStateTransition, AuditWriteFailure):
// the composition root must halt the process rather than start a new run.
type Outcome struct {
	SessionID   string
	Kind        OutcomeKind
	Text        string
	FailureKind types.Kind
	Message     string
	Fatal       bool
}

// defaultTokenCeiling bounds the estimated size of the conversation history
// handed to the model on each step; the oldest non-task messages are
// dropped first. A Kernel whose TokenCeiling is zero or negative uses this
// default.
const defaultTokenCeiling = 8000

// Kernel wires the FSM, audit store, tool registry, sandbox runner,
// injection scanner, and model router into the step loop described by
// the agent kernel contract.
type Kernel struct {
	Store    *audit.Store
	Registry *registry.Registry
	Sandbox  *sandbox.Runner
	Scanner  *scanner.Scanner
	Router   *router.Router

	SystemPrompt string
	TokenCeiling int
}

// New constructs a Kernel from its collaborators. TokenCeiling defaults to
// defaultTokenCeiling when zero.
func New(store *audit.Store, reg *registry.Registry, rt *router.Router) *Kernel {
	return &Kernel{
		Store:        store,
		Registry:     reg,
		Sandbox:      sandbox.New(),
		Scanner:      scanner.New(),
		Router:       rt,
		TokenCeiling: defaultTokenCeiling,
	}
}

// Run drives one session from IDLE to a terminal outcome. permissions are
// the set granted to this session for the lifetime of the run; allowedTools
// restricts the tool catalog offered to the model (nil means every
// registered tool).
func (k *Kernel) Run(ctx context.Context, task string, limits types.Limits, permissions []types.Permission, allowedTools []string, cancel <-chan struct{}) Outcome {
	session := types.NewSession(uuid.NewString(), task)
	session.Permissions = permissions

	if _, err := k.Store.Append(ctx, session.ID, audit.KindSessionStart, map[string]any{
		"task":      task,
		"max_steps": limits.MaxSteps,
		"max_cost":  limits.MaxCost,
	}); err != nil {
		return k.withSessionID(session.ID, k.halt(err))
	}

	if err := k.transition(ctx, session, types.StateRunning); err != nil {
		return k.withSessionID(session.ID, k.halt(err))
	}

	outcome := k.loop(ctx, session, limits, allowedTools, cancel)

	if _, err := k.Store.Append(ctx, session.ID, audit.KindSessionEnd, map[string]any{
		"outcome": outcome.Kind,
		"reason":  session.TermReason,
	}); err != nil {
		return k.withSessionID(session.ID, k.halt(err))
	}

	return k.withSessionID(session.ID, outcome)
}

// withSessionID stamps o with sessionID, for the convenience of callers
// that need to audit.Export or audit.Verify the run they just drove.
func (k *Kernel) withSessionID(sessionID string, o Outcome) Outcome {
	o.SessionID = sessionID
	return o
}

// loop is the step loop proper. It never itself calls Append for
// SESSION_START/SESSION_END; those bracket it in Run. Every pass rebuilds
// a fresh types.ExecutionContext from the session's current state — the
// step loop never carries session/limits/allowedTools as loose,
// independently-evolving parameters past this point.
func (k *Kernel) loop(ctx context.Context, session *types.Session, limits types.Limits, allowedTools []string, cancel <-chan struct{}) Outcome {
	for {
		if isCancelled(cancel) {
			return k.finishCancelled(ctx, session)
		}

		stepCtx := types.NewExecutionContext(session, limits, allowedTools, uuid.NewString())

		bc, budgetErr := checkBudgets(stepCtx, time.Now().UTC())
		if _, err := k.Store.Append(ctx, session.ID, audit.KindBudgetCheck, bc); err != nil {
			return k.halt(err)
		}
		if budgetErr != nil {
			return k.finishFailed(ctx, session, budgetErr)
		}

		req := k.buildRequest(stepCtx)
		if _, err := k.Store.Append(ctx, session.ID, audit.KindModelRequest, requestPayload(stepCtx, req)); err != nil {
			return k.halt(err)
		}

		resp, err := k.Router.Invoke(ctx, req)
		if err != nil {
			if _, aerr := k.Store.Append(ctx, session.ID, audit.KindError, errorPayload(err)); aerr != nil {
				return k.halt(aerr)
			}
			return k.finishFailed(ctx, session, err)
		}

		if _, err := k.Store.Append(ctx, session.ID, audit.KindModelResponse, responsePayload(resp)); err != nil {
			return k.halt(err)
		}
		session.Cost += resp.Cost

		if resp.Kind == router.ResponseFinalization {
			session.Append(types.Message{Role: types.RoleAssistant, Text: resp.Text})
			if err := k.transition(ctx, session, types.StateDone); err != nil {
				return k.halt(err)
			}
			return Outcome{Kind: OutcomeCompleted, Text: resp.Text}
		}

		outcome, halted, err := k.handleToolCall(ctx, session, resp)
		if halted {
			return k.halt(err)
		}
		if err != nil {
			return k.finishFailed(ctx, session, err)
		}
		if outcome != nil {
			return *outcome
		}
		// otherwise the round-trip succeeded; loop continues in RUNNING.
	}
}

// handleToolCall runs step 4's WAITING sub-steps (b-e). The *Outcome it
// returns is always nil: cancellation is observed only at the top of the
// step loop, not during tool dispatch. halted signals a fatal invariant
// violation the caller must halt on.
func (k *Kernel) handleToolCall(ctx context.Context, session *types.Session, resp router.NormalizedResponse) (*Outcome, bool, error) {
	callID := uuid.NewString()
	session.Append(types.Message{
		Role: types.RoleToolCall, ToolName: resp.ToolName, CallID: callID, Arguments: resp.ToolArgs,
	})
	if err := k.transition(ctx, session, types.StateWaiting); err != nil {
		return nil, true, err
	}

	// The router already rejects a tool name absent from the catalog it
	// offered (ModelResponseMalformed, before the session ever reaches
	// WAITING); this lookup only fails if a tool is deregistered between
	// buildRequest and here, which Get reports as KindUnknownTool.
	m, err := k.Registry.Get(resp.ToolName)
	if err != nil {
		return nil, false, k.failInWaiting(ctx, session, err)
	}

	if err := m.ValidateInput(resp.ToolArgs); err != nil {
		wrapped := types.Wrap(types.KindToolInputValidationError, "tool call failed input validation", err)
		return nil, false, k.failInWaiting(ctx, session, wrapped)
	}

	for _, f := range k.Scanner.ScanArgs(resp.ToolArgs) {
		if _, aerr := k.Store.Append(ctx, session.ID, audit.KindError, map[string]any{
			"advisory": true, "rule": f.Rule, "excerpt": f.Excerpt,
		}); aerr != nil {
			return nil, true, aerr
		}
	}

	if _, err := k.Store.Append(ctx, session.ID, audit.KindToolCall, map[string]any{
		"call_id": callID, "tool": resp.ToolName, "input": resp.ToolArgs,
	}); err != nil {
		return nil, true, err
	}

	output, runErr := k.Sandbox.Run(ctx, m, resp.ToolArgs, session.Permissions)
	if runErr != nil {
		return nil, false, k.failInWaiting(ctx, session, runErr)
	}

	if _, err := k.Store.Append(ctx, session.ID, audit.KindToolResult, map[string]any{
		"call_id": callID, "tool": resp.ToolName, "output": output,
	}); err != nil {
		return nil, true, err
	}

	session.Append(types.Message{
		Role: types.RoleToolResult, ToolName: resp.ToolName, CallID: callID, Result: output,
	})
	if err := k.transition(ctx, session, types.StateRunning); err != nil {
		return nil, true, err
	}
	session.Step++
	return nil, false, nil
}

// failInWaiting records an ERROR audit entry and returns the original
// error to the caller, which will transition the session to FAILED.
func (k *Kernel) failInWaiting(ctx context.Context, session *types.Session, err error) error {
	if _, aerr := k.Store.Append(ctx, session.ID, audit.KindError, errorPayload(err)); aerr != nil {
		return aerr
	}
	return err
}

// buildRequest assembles the model request from stepCtx's history
// snapshot, truncated deterministically, and the tool catalog stepCtx
// scopes this step to.
func (k *Kernel) buildRequest(stepCtx types.ExecutionContext) router.Request {
	history := truncateHistory(stepCtx.History, k.tokenCeiling())

	messages := make([]router.RequestMessage, 0, len(history)+1)
	if k.SystemPrompt != "" {
		messages = append(messages, router.RequestMessage{Role: string(types.RoleSystem), Text: k.SystemPrompt})
	}
	for _, m := range history {
		messages = append(messages, router.RequestMessage{Role: string(m.Role), Text: m.Text})
	}

	var catalog []router.ToolDescriptor
	for _, d := range k.Registry.Descriptors(stepCtx.AllowedTools) {
		catalog = append(catalog, router.ToolDescriptor{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}

	return router.Request{Messages: messages, ToolCatalog: catalog}
}

func (k *Kernel) tokenCeiling() int {
	if k.TokenCeiling <= 0 {
		return defaultTokenCeiling
	}
	return k.TokenCeiling
}

// transition applies an FSM transition and records it, halting the
// process if the transition or the record is invalid.
func (k *Kernel) transition(ctx context.Context, session *types.Session, to types.State) error {
	from := session.State
	if err := fsm.Apply(session, to); err != nil {
		return err
	}
	if _, err := k.Store.Append(ctx, session.ID, audit.KindStateTransition, map[string]any{
		"from": from, "to": to,
	}); err != nil {
		return err
	}
	return nil
}

// finishFailed transitions the session to FAILED and returns the
// corresponding Outcome. A failure to make that transition is itself a
// fatal invariant violation.
func (k *Kernel) finishFailed(ctx context.Context, session *types.Session, cause error) Outcome {
	session.TermReason = cause.Error()
	if err := k.transition(ctx, session, types.StateFailed); err != nil {
		return k.halt(err)
	}
	kind, _ := types.KindOf(cause)
	return Outcome{Kind: OutcomeFailed, FailureKind: kind, Message: cause.Error()}
}

func (k *Kernel) finishCancelled(ctx context.Context, session *types.Session) Outcome {
	if err := k.transition(ctx, session, types.StateCancelled); err != nil {
		return k.halt(err)
	}
	return Outcome{Kind: OutcomeCancelled}
}

// halt reports a fatal invariant violation (a failed audit append or an
// illegal FSM transition). The caller must inspect Outcome.Fatal and halt
// the process rather than start another run.
func (k *Kernel) halt(err error) Outcome {
	kind, _ := types.KindOf(err)
	return Outcome{Kind: OutcomeFailed, FailureKind: kind, Message: err.Error(), Fatal: true}
}

func isCancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func requestPayload(stepCtx types.ExecutionContext, req router.Request) map[string]any {
	return map[string]any{
		"trace_id":      stepCtx.TraceID,
		"message_count": len(req.Messages),
		"tool_count":    len(req.ToolCatalog),
	}
}

func responsePayload(resp router.NormalizedResponse) map[string]any {
	p := map[string]any{"kind": resp.Kind, "cost": resp.Cost}
	if resp.Kind == router.ResponseToolCall {
		p["tool"] = resp.ToolName
	}
	return p
}

func errorPayload(err error) map[string]any {
	kind, _ := types.KindOf(err)
	return map[string]any{"kind": kind, "message": err.Error()}
}
