// Package wait tracks the open suspensions of running executions.
//
// Every suspended branch is parked on a core.WaitState keyed by
// (execution, name). A wait is closed exactly once: by the matching event,
// approval decision or input (Satisfy), by its deadline (Expire), or by
// cancellation of its execution (Cancel). Closing races are settled by an
// atomic compare-and-set on the entry; the loser receives
// core.ErrConcurrencyConflict and must discard its outcome.
package wait
