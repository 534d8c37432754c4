// ABOUTME: Durable stream log on BadgerDB with per-key TTL
// ABOUTME: Finished streams can be replayed after a restart until their keys expire

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures BadgerLog.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory keeps everything in RAM (tests).
	InMemory bool

	// TTL bounds how long any stream key lives.
	TTL time.Duration

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// Logger receives badger's internal logging. Nil silences it.
	Logger *slog.Logger
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerLog implements Log on BadgerDB.
type BadgerLog struct {
	db     *badger.DB
	ttl    time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
	logger *slog.Logger
}

var _ Log = (*BadgerLog)(nil)

// OpenBadgerLog opens (or creates) the database.
func OpenBadgerLog(cfg BadgerConfig) (*BadgerLog, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent stream log")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create stream log directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	l := &BadgerLog{
		db:     db,
		ttl:    cfg.TTL,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go l.runGC(cfg.GCInterval)
	} else {
		close(l.doneCh)
	}
	return l, nil
}

func streamPrefix(id string) []byte { return []byte("stream/" + id + "/") }
func metaKey(id string) []byte { return []byte("stream/" + id + "/meta") }
func doneKey(id string) []byte { return []byte("stream/" + id + "/done") }
func framePrefix(id string) []byte { return []byte("stream/" + id + "/f/") }
func frameKey(id string, seq int64) []byte {
	return []byte(fmt.Sprintf("stream/%s/f/%020d", id, seq))
}

func (l *BadgerLog) set(key, value []byte) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, value).WithTTL(l.ttl))
	})
}

func (l *BadgerLog) Create(_ context.Context, streamID string) error {
	if err := l.set(metaKey(streamID), []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("create stream %s: %w", streamID, err)
	}
	return nil
}

func (l *BadgerLog) Append(_ context.Context, streamID string, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := l.set(frameKey(streamID, f.Seq), data); err != nil {
		return fmt.Errorf("append frame %d to %s: %w", f.Seq, streamID, err)
	}
	return nil
}

func (l *BadgerLog) Finish(_ context.Context, streamID string) error {
	if err := l.set(doneKey(streamID), []byte{1}); err != nil {
		return fmt.Errorf("finish stream %s: %w", streamID, err)
	}
	return nil
}

func (l *BadgerLog) Read(_ context.Context, streamID string, after int64) ([]Frame, bool, error) {
	var frames []Frame
	finished := false

	err := l.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(streamID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
			}
			return err
		}
		if _, err := txn.Get(doneKey(streamID)); err == nil {
			finished = true
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		prefix := framePrefix(streamID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()

		for it.Seek(frameKey(streamID, after+1)); it.ValidForPrefix(prefix); it.Next() {
			var f Frame
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &f)
			}); err != nil {
				return fmt.Errorf("decode frame: %w", err)
			}
			frames = append(frames, f)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return frames, finished, nil
}

func (l *BadgerLog) Delete(_ context.Context, streamID string) error {
	if err := l.db.DropPrefix(streamPrefix(streamID)); err != nil {
		return fmt.Errorf("delete stream %s: %w", streamID, err)
	}
	return nil
}

func (l *BadgerLog) runGC(interval time.Duration) {
	defer close(l.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			err := l.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && l.logger != nil {
				l.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database.
func (l *BadgerLog) Close() error {
	close(l.stopCh)
	<-l.doneCh
	return l.db.Close()
}
