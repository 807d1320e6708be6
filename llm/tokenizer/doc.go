// Package tokenizer provides model-aware token counting.
package tokenizer
