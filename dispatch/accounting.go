package dispatch

import (
	"context"

	"github.com/BaSui01/contextgate/types"
)

// UsageRecorder receives observed token usage for billing and quota
// accounting. Recording failures are logged by the dispatcher and never
// fail the request.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, account types.Account, requestID, model string, usage types.TokenUsage) error
}

// NopUsageRecorder discards usage. Used when accounting is not wired.
type NopUsageRecorder struct{}

func (NopUsageRecorder) RecordUsage(context.Context, types.Account, string, string, types.TokenUsage) error {
	return nil
}
