// Package providers holds the shared HTTP and server-sent-event plumbing
// used by every provider chat function, plus the error mapping from
// provider HTTP statuses to gateway error codes. The actual adapters live
// in the per-provider subpackages.
package providers
