// Package engine provides the step scheduler that drives compiled scripts
// as durable, resumable executions.
//
// # Overview
//
// An Engine walks the step graph of a core.ScriptDefinition with one cursor
// per live branch. Conditional and switch bodies push frames onto the
// cursor that reached them; PARALLEL forks one child cursor per branch and
// parks the parent on an all-of join. Every transition is committed to the
// core.ExecutionStore before the next step runs, so Recover can resume an
// execution after a restart without re-running completed steps.
//
// # Suspension
//
// WAIT FOR EVENT, HUMAN APPROVAL and HEAR register a core.WaitState with
// the wait.Manager and park their cursor. A wait closes exactly once: by a
// published event, an Approve call, a valid SubmitInput reply, its deadline
// or cancellation of the execution. The winning resolution is handed to
// ResumeWait; every later one is a no-op.
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Handler = bots
//	    o.LLM = router
//	})
//	if _, err := eng.Compile("orders", src); err != nil {
//	    return err
//	}
//
//	id, err := eng.Start(ctx, "order-processing", engine.StartOptions{
//	    Variables: map[string]any{"order_id": "A-17"},
//	})
//	if err != nil {
//	    return err
//	}
//
//	// Later, from an HTTP handler or a chat command:
//	err = eng.Approve(ctx, id, "approval_3", core.Decision{
//	    Status:    core.ApprovalApproved,
//	    DecidedBy: "security@example.com",
//	})
//
// Deadlines are enforced by the wait manager's sweep, started with
// eng.Waits().Start(ctx, eng).
//
// # Variables
//
// Steps read and write the execution variables:
//   - BOT writes the handler's Data keys and "<bot>_result"
//   - LLM writes "<var>" and "<var>_model"
//   - HUMAN APPROVAL writes "<name>", "<name>_by" and "<name>_comment"
//   - HEAR writes the validated reply to its variable
//   - WAIT FOR EVENT writes the event payload to "event"
//
// WHEN EVENT blocks start a fresh execution of their branch for every
// matching event, seeded with "event", "event_name" and "event_id".
//
// # Callbacks
//
// A CallbackManager observes steps, status changes and branch failures.
// BeforeStep callbacks can veto a step, which fails its branch.
package engine
