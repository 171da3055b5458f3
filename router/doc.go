// Package router selects which session bots respond to an inbound message,
// tool request, published event or schedule tick, and dispatches the
// request to them in a deterministic order: descending priority, then
// earliest join, then name.
package router
