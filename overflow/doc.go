// Package overflow detects context-window overflow errors across providers
// and computes the token budgets and message partitioning used to recover
// from them.
//
// Detection relies on string matching against provider error messages. If a
// provider changes its error format, detection may fail until the pattern
// tables are updated; the generic fallback patterns catch most rewordings.
package overflow
