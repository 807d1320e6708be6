// Package llm defines the provider-neutral chat contract: the request body
// sent to every provider, the server-sent-event framing every provider chat
// function writes to its output sink, and the closed capability registry
// that maps a provider to its chat function and event transformers.
package llm
