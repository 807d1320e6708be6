package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// statusEvent is the gateway-internal progress event written to the response
// sink while extraction runs. The cg_event discriminator routes it past the
// provider transformer on the way back out.
type statusEvent struct {
	CGEvent string `json:"cg_event"`
	Status  string `json:"status,omitempty"`
}

// statusNotifier implements recovery.Notifier against a response sink. It is
// safe with a nil sink and Clear is idempotent.
type statusNotifier struct {
	sink    io.Writer
	mu      sync.Mutex
	pending bool
}

func newStatusNotifier(sink io.Writer) *statusNotifier {
	return &statusNotifier{sink: sink}
}

func (n *statusNotifier) Notify(status string) {
	if n.sink == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = true
	n.write(statusEvent{CGEvent: "status", Status: status})
}

func (n *statusNotifier) Clear() {
	if n.sink == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.pending {
		return
	}
	n.pending = false
	n.write(statusEvent{CGEvent: "status_clear"})
}

func (n *statusNotifier) write(ev statusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Sink write failures are ignored: status events are advisory and the
	// main call path surfaces real sink errors.
	fmt.Fprintf(n.sink, "data: %s\n\n", payload)
}
