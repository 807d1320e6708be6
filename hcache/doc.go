// Package hcache stores the last known historical/intact cutoff point per
// (user, conversation, model), so the dispatcher can re-extract proactively
// before a provider ever rejects the call.
//
// The cache stores only the cutoff index and the message count observed at
// write time — never the extracted text itself, because relevance depends
// on the question being asked now. Reads are advisory: a hit is revalidated
// against the current message count and a missing or stale entry is a cold
// start, not an error.
package hcache
