// Package recovery implements context-overflow recovery: extracting a
// compact, question-relevant summary of the conversation history that no
// longer fits a model's input window, and retrying the failed call exactly
// once with the summary injected in place of the overflowing history.
//
// A request gets one recovery attempt. A conversation that still overflows
// after extraction is failed permanently rather than retried in a loop,
// which bounds worst-case latency and extraction cost.
package recovery
