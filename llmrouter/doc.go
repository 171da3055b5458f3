// Package llmrouter routes LLMCall steps to a model from a catalog
// according to the step's objective.
//
// For the cost objective the candidates are the models meeting the quality
// floor, cheapest first. For the quality objective they are ordered by
// descending quality, with models whose expected latency fits the request's
// bound ahead of the rest. The router walks that ordering: a failed call, or
// one that exceeds the latency bound, falls back to the next model. Models
// whose circuit breaker is open are skipped until their recovery timeout
// has passed. Exhausting the list yields a *core.ModelRoutingError.
package llmrouter
