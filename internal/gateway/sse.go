// ABOUTME: Server-sent event encoding of stream frames
// ABOUTME: Each frame becomes one event carrying its sequence number as the event id

package gateway

import (
	"fmt"
	"io"
	"net/http"

	"github.com/2389/coven-chat/internal/stream"
)

func setSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeFrame writes f as a single event:
//
//	id: <seq>
//	event: <type>
//	data: <json>
func writeFrame(w io.Writer, f stream.Frame) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.Seq, f.Type, f.Data)
	return err
}

// pipeFrames copies frames to the client until the channel closes or a write
// fails. It reports whether the terminal frame was delivered.
func (g *Gateway) pipeFrames(w io.Writer, flusher http.Flusher, frames <-chan stream.Frame) bool {
	finished := false
	for f := range frames {
		if err := writeFrame(w, f); err != nil {
			g.logger.Debug("client write failed", "error", err, "seq", f.Seq)
			return finished
		}
		flusher.Flush()
		if f.Terminal() {
			finished = true
		}
	}
	return finished
}
