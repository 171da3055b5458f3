// Package memory implements the shared memory store used by SHARE MEMORY
// steps. Every bot writes into its own key space; values become visible to
// another bot (or a group of bots) only through an explicit Share, which
// takes a point-in-time copy and records a directed edge (source, key,
// target) in an append-only arena. Because shares copy values instead of
// referencing them, mutual sharing never creates ownership cycles.
//
// The store keeps its working set in memory and, when configured with a
// core.ExecutionStore, writes every entry through so Restore can rebuild it
// after a restart.
package memory
