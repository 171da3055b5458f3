// Package core provides the foundational domain types and collaborator
// interfaces used by flowmesh. It defines:
//
//   - Compiled scripts (ScriptDefinition, Branch) and the closed set of Step variants
//   - Executions with their branch cursors and lifecycle statuses
//   - WaitStates for suspended branches (event, approval and input waits)
//   - Events, Bots, SessionBots and shared memory entries
//   - The error taxonomy (CompileError, DispatchError, TimeoutError, ModelRoutingError)
//   - Pluggable collaborators: BotHandler, Transport and ExecutionStore
//
// Implementation concerns (parsing, scheduling, persistence backends) live in
// sibling packages that depend on core, never the other way around.
package core
