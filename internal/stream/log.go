// ABOUTME: Backing logs holding the frames of each resumable stream
// ABOUTME: MemoryLog is process-local; BadgerLog (badger.go) survives restarts

package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrStreamNotFound is returned for stream ids with no live or stored record.
var ErrStreamNotFound = errors.New("stream not found")

// ErrResumeDisabled is returned by Attach when resumability is turned off.
var ErrResumeDisabled = errors.New("resumable streams are disabled")

// Log stores frames per stream id in sequence order.
type Log interface {
	// Create registers an empty stream.
	Create(ctx context.Context, streamID string) error
	// Append stores a frame; frames arrive with increasing Seq.
	Append(ctx context.Context, streamID string, f Frame) error
	// Finish marks the stream complete.
	Finish(ctx context.Context, streamID string) error
	// Read returns frames with Seq > after and whether the stream is complete.
	Read(ctx context.Context, streamID string, after int64) ([]Frame, bool, error)
	// Delete removes a stream.
	Delete(ctx context.Context, streamID string) error
	Close() error
}

type memStream struct {
	frames   []Frame
	finished bool
}

// MemoryLog keeps frames in process memory.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string]*memStream
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: make(map[string]*memStream)}
}

func (m *MemoryLog) Create(_ context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[streamID]; !ok {
		m.streams[streamID] = &memStream{}
	}
	return nil
}

func (m *MemoryLog) Append(_ context.Context, streamID string, f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	s.frames = append(s.frames, f)
	return nil
}

func (m *MemoryLog) Finish(_ context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	s.finished = true
	return nil
}

func (m *MemoryLog) Read(_ context.Context, streamID string, after int64) ([]Frame, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	i := sort.Search(len(s.frames), func(i int) bool { return s.frames[i].Seq > after })
	out := make([]Frame, len(s.frames)-i)
	copy(out, s.frames[i:])
	return out, s.finished, nil
}

func (m *MemoryLog) Delete(_ context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, streamID)
	return nil
}

func (m *MemoryLog) Close() error { return nil }
