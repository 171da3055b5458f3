// Package session keeps the bots active in each conversation session along
// with the session transcript. SessionBots are written through to a
// core.ExecutionStore when one is configured and lazily reloaded from it,
// so they outlive any single execution.
package session
