// Package model defines the provider-agnostic abstraction used by the LLM
// call router to reach language models.
//
// A Provider answers a single prompt-style Request with a Completion that
// carries token usage, so callers can price the call. Concrete providers
// (model/openai, model/anthropic) adapt vendor SDKs; MockProvider serves
// tests and examples.
package model
