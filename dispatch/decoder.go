package dispatch

import (
	"bytes"
	"encoding/json"
)

// doneSentinel terminates every provider event stream.
const doneSentinel = "[DONE]"

// Event is one decoded server-sent event from a provider chat function.
type Event struct {
	// Data is the JSON payload after "data:". Empty when Done.
	Data []byte
	// Done marks the [DONE] sentinel.
	Done bool
	// Meta marks gateway-internal events, which bypass the provider
	// transformer untouched.
	Meta bool
}

// Decoder incrementally parses the "data: {json}\n\n" framing that chat
// functions write. Feed may be called with arbitrary byte boundaries; a
// partial trailing line is carried over to the next call.
type Decoder struct {
	buf []byte
}

// Feed consumes the next chunk of bytes and returns the events completed by
// it, in order.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)

	var events []Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]
		if ev, ok := decodeLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush decodes any buffered partial line as final. Call once at stream end;
// a well-formed stream has nothing left to flush.
func (d *Decoder) Flush() []Event {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if ev, ok := decodeLine(line); ok {
		return []Event{ev}
	}
	return nil
}

func decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r")
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
		return Event{}, false
	}
	data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if string(data) == doneSentinel {
		return Event{Done: true}, true
	}
	return Event{Data: data, Meta: isMetaEvent(data)}, true
}

// metaProbe matches the discriminator field gateway-internal events carry.
type metaProbe struct {
	CGEvent string `json:"cg_event"`
}

func isMetaEvent(data []byte) bool {
	if !bytes.Contains(data, []byte(`"cg_event"`)) {
		return false
	}
	var probe metaProbe
	return json.Unmarshal(data, &probe) == nil && probe.CGEvent != ""
}
