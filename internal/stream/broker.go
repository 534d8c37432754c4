// ABOUTME: Resumable stream broker: one producer per stream, any number of consumers
// ABOUTME: Producers always drain their source; consumers replay from a sequence number then follow live

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Config configures a Broker.
type Config struct {
	// Enabled turns on resumability. When false the broker is a pass-through.
	Enabled bool

	// Retention is how long a finished stream stays attachable.
	Retention time.Duration

	// IdleTimeout abandons unfinished streams that have had no consumer this long.
	IdleTimeout time.Duration

	// SweepInterval is how often the janitor runs. Defaults from the two above.
	SweepInterval time.Duration
}

// liveStream tracks one stream the broker is producing.
type liveStream struct {
	id string

	mu         sync.Mutex
	last       int64
	done       bool
	abandoned  bool
	notify     chan struct{} // closed and replaced whenever last or done changes
	consumers  int
	idleSince  time.Time
	finishedAt time.Time
}

func (s *liveStream) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Broker fans the frames of each stream out to consumers and keeps them in a
// Log so late or reconnecting consumers can catch up.
type Broker struct {
	cfg    Config
	log    Log
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	streams map[string]*liveStream

	producers sync.WaitGroup
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewBroker creates a broker and starts its janitor when enabled.
func NewBroker(cfg Config, log Log, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if log == nil {
		log = NewMemoryLog()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = min(cfg.Retention, cfg.IdleTimeout) / 2
		if cfg.SweepInterval < time.Second {
			cfg.SweepInterval = time.Second
		}
	}

	b := &Broker{
		cfg:     cfg,
		log:     log,
		logger:  logger.With("component", "broker"),
		now:     time.Now,
		streams: make(map[string]*liveStream),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if cfg.Enabled {
		go b.janitor()
	} else {
		close(b.doneCh)
	}
	return b
}

// Resumable reports whether streams can be re-attached.
func (b *Broker) Resumable() bool {
	return b.cfg.Enabled
}

// Active returns the number of streams currently tracked.
func (b *Broker) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// OpenOrAttach returns the frames of streamID with Seq > after. If the stream is
// not yet known, source is called once and drained by a producer goroutine
// until it closes, whether or not anyone is still consuming.
func (b *Broker) OpenOrAttach(ctx context.Context, streamID string, source func() <-chan Frame, after int64) (<-chan Frame, error) {
	if !b.cfg.Enabled {
		return b.passThrough(ctx, source()), nil
	}

	b.mu.Lock()
	ls, ok := b.streams[streamID]
	if !ok {
		ls = &liveStream{id: streamID, notify: make(chan struct{}), idleSince: b.now()}
		b.streams[streamID] = ls
	}
	b.mu.Unlock()

	if !ok {
		if err := b.log.Create(ctx, streamID); err != nil {
			b.mu.Lock()
			delete(b.streams, streamID)
			b.mu.Unlock()
			return nil, err
		}
		src := source()
		b.producers.Add(1)
		go b.produce(ls, src)
		b.logger.Debug("stream opened", "stream_id", streamID)
	}

	return b.follow(ctx, ls, after), nil
}

// Attach follows an existing stream from after. A stream no longer live is
// replayed from the log when the log still has it.
func (b *Broker) Attach(ctx context.Context, streamID string, after int64) (<-chan Frame, error) {
	if !b.cfg.Enabled {
		return nil, ErrResumeDisabled
	}

	b.mu.Lock()
	ls, ok := b.streams[streamID]
	b.mu.Unlock()
	if ok {
		return b.follow(ctx, ls, after), nil
	}

	frames, finished, err := b.log.Read(ctx, streamID, after)
	if err != nil {
		return nil, err
	}
	if !finished {
		// the producer for this stream belonged to another process
		return nil, ErrStreamNotFound
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		for _, f := range frames {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// produce assigns sequence numbers, stores frames and wakes consumers.
func (b *Broker) produce(ls *liveStream, src <-chan Frame) {
	defer b.producers.Done()
	ctx := context.Background()
	var seq int64

	for f := range src {
		ls.mu.Lock()
		abandoned := ls.abandoned
		ls.mu.Unlock()
		if abandoned {
			continue
		}

		seq++
		f.Seq = seq
		if err := b.log.Append(ctx, ls.id, f); err != nil {
			b.logger.Error("failed to append frame", "stream_id", ls.id, "seq", seq, "error", err)
			continue
		}

		ls.mu.Lock()
		ls.last = seq
		ls.wake()
		ls.mu.Unlock()
	}

	ls.mu.Lock()
	abandoned := ls.abandoned
	ls.mu.Unlock()
	if !abandoned {
		if err := b.log.Finish(ctx, ls.id); err != nil {
			b.logger.Error("failed to finish stream", "stream_id", ls.id, "error", err)
		}
	}

	ls.mu.Lock()
	ls.done = true
	ls.finishedAt = b.now()
	ls.wake()
	ls.mu.Unlock()

	b.logger.Debug("stream finished", "stream_id", ls.id, "frames", seq)
}

// follow delivers frames after the given sequence until the stream finishes or ctx ends.
func (b *Broker) follow(ctx context.Context, ls *liveStream, after int64) <-chan Frame {
	out := make(chan Frame)

	ls.mu.Lock()
	ls.consumers++
	ls.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			ls.mu.Lock()
			ls.consumers--
			if ls.consumers == 0 {
				ls.idleSince = b.now()
			}
			ls.mu.Unlock()
		}()

		cursor := after
		for {
			ls.mu.Lock()
			wait := ls.notify
			last, done, abandoned := ls.last, ls.done, ls.abandoned
			ls.mu.Unlock()

			if abandoned {
				return
			}

			if last > cursor {
				frames, _, err := b.log.Read(ctx, ls.id, cursor)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						b.logger.Warn("failed to read stream", "stream_id", ls.id, "error", err)
					}
					return
				}
				for _, f := range frames {
					select {
					case out <- f:
						cursor = f.Seq
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			if done {
				return
			}

			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// passThrough numbers frames for a single consumer and keeps draining the
// source after that consumer leaves.
func (b *Broker) passThrough(ctx context.Context, src <-chan Frame) <-chan Frame {
	out := make(chan Frame)
	b.producers.Add(1)
	go func() {
		defer b.producers.Done()
		defer close(out)
		var seq int64
		attached := true
		for f := range src {
			seq++
			f.Seq = seq
			if !attached {
				continue
			}
			select {
			case out <- f:
			case <-ctx.Done():
				attached = false
			}
		}
	}()
	return out
}

func (b *Broker) janitor() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep retires finished streams past retention and abandons idle unfinished ones.
func (b *Broker) sweep() {
	now := b.now()
	var retired, abandoned []string

	b.mu.Lock()
	for id, ls := range b.streams {
		ls.mu.Lock()
		switch {
		case ls.done && ls.consumers == 0 && now.Sub(ls.finishedAt) >= b.cfg.Retention:
			retired = append(retired, id)
			delete(b.streams, id)
		case !ls.done && ls.consumers == 0 && now.Sub(ls.idleSince) >= b.cfg.IdleTimeout:
			ls.abandoned = true
			ls.wake()
			abandoned = append(abandoned, id)
			delete(b.streams, id)
		}
		ls.mu.Unlock()
	}
	b.mu.Unlock()

	ctx := context.Background()
	for _, id := range retired {
		if err := b.log.Delete(ctx, id); err != nil {
			b.logger.Warn("failed to delete retired stream", "stream_id", id, "error", err)
		}
	}
	for _, id := range abandoned {
		b.logger.Warn("stream abandoned", "stream_id", id)
		if err := b.log.Delete(ctx, id); err != nil {
			b.logger.Warn("failed to delete abandoned stream", "stream_id", id, "error", err)
		}
	}
}

// Wait blocks until every producer has drained its source.
func (b *Broker) Wait() {
	b.producers.Wait()
}

// Close stops the janitor and closes the log. Producers still running keep
// draining their sources.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
		err = b.log.Close()
	})
	return err
}
