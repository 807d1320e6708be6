// Package dispatch routes chat requests to provider chat functions and
// wraps them with the overflow machinery: proactive extraction driven by the
// cutoff cache, streaming interception and usage accounting, and reactive
// recovery through the recovery orchestrator on provider overflow errors.
package dispatch
