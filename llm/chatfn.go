package llm

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/BaSui01/contextgate/types"
)

// Endpoint holds resolved connection details for one provider call.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
}

// EndpointProvider resolves endpoint credentials per call. Providers that
// rotate keys or resolve regional endpoints (Azure, Bedrock) implement this;
// a nil provider means the chat function uses its static configuration.
type EndpointProvider interface {
	Endpoint(ctx context.Context) (Endpoint, error)
}

// StaticEndpoint is an EndpointProvider returning a fixed endpoint.
type StaticEndpoint Endpoint

func (s StaticEndpoint) Endpoint(context.Context) (Endpoint, error) {
	return Endpoint(s), nil
}

// ChatFunction is the uniform signature every provider adapter implements.
// The function writes a server-sent-event framed byte stream to sink: lines
// of the form "data: {json}\n\n" terminated by "data: [DONE]\n\n". For
// non-streaming requests the same framing is written in one burst after the
// provider responds.
type ChatFunction func(ctx context.Context, ep EndpointProvider, req *Request, sink io.Writer) error

// ResponseTransformer extracts a displayable chunk from one provider-native
// event payload (the JSON after "data:"). A nil chunk with nil error means
// the event carries nothing displayable (keep-alives, role prologues).
type ResponseTransformer func(event []byte) (*Chunk, error)

// UsageTransformer extracts token usage from one provider-native event.
// Returns nil when the event carries no usage.
type UsageTransformer func(event []byte) *types.TokenUsage

// Capability bundles everything the dispatcher needs to talk to one
// provider. Resolved once per call from the registry.
type Capability struct {
	Chat          ChatFunction
	NeedsEndpoint bool
	Transform     ResponseTransformer
	Usage         UsageTransformer

	// CumulativeUsage marks providers whose per-event usage reports are
	// running totals rather than deltas; accumulators must diff against
	// the previous report instead of summing.
	CumulativeUsage bool
}

// Registry maps the closed provider set to capabilities. Provider names are
// normalized at model-registration time (types.NormalizeProvider), so
// lookups here are exact: an unknown provider fails fast before any network
// call.
type Registry struct {
	mu   sync.RWMutex
	caps map[types.Provider]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[types.Provider]Capability)}
}

// Register installs the capability for a provider.
func (r *Registry) Register(p types.Provider, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[p] = c
}

// Resolve returns the capability for a provider.
func (r *Registry) Resolve(p types.Provider) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[p]
	if !ok {
		return Capability{}, types.NewError(types.ErrProviderNotFound,
			fmt.Sprintf("no chat function registered for provider %q", p))
	}
	return c, nil
}
