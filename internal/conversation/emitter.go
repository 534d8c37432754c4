// ABOUTME: Serialized frame writer shared by the generator and the title task
// ABOUTME: Frames emitted after close are dropped, which is what keeps late titles off finished streams

package conversation

import (
	"sync"

	"github.com/2389/coven-chat/internal/stream"
)

type emitter struct {
	mu     sync.Mutex
	out    chan stream.Frame
	closed bool
	sent   bool
	opened chan struct{} // closed after the first frame
	closeC chan struct{}
}

func newEmitter() *emitter {
	return &emitter{
		out:    make(chan stream.Frame),
		opened: make(chan struct{}),
		closeC: make(chan struct{}),
	}
}

// emit sends f and reports whether it was delivered. The broker always drains
// its source, so the send does not block for long.
func (e *emitter) emit(f stream.Frame) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.out <- f
	if !e.sent {
		e.sent = true
		close(e.opened)
	}
	return true
}

func (e *emitter) send(t stream.FrameType, fields map[string]any) bool {
	return e.emit(stream.NewFrame(t, fields))
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.out)
	close(e.closeC)
}

// done is closed once no more frames will be accepted.
func (e *emitter) done() <-chan struct{} {
	return e.closeC
}
