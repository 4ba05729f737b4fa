package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultAppendTimeout bounds a single sink write made through a Recorder.
const DefaultAppendTimeout = 2 * time.Second

// Sink stores audit entries. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, e Entry) error

// Append calls f.
func (f SinkFunc) Append(ctx context.Context, e Entry) error { return f(ctx, e) }

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder is the request-path entry point to a sink. Record never returns an
// error and never panics: a failing or panicking sink is reported to the
// fallback logger together with the entry it failed to store.
type Recorder struct {
	sink     Sink
	fallback *zap.Logger
	timeout  time.Duration
}

// NewRecorder wraps sink. A nil sink records entries to fallback only. A nil
// fallback discards them.
func NewRecorder(sink Sink, fallback *zap.Logger) *Recorder {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	if sink == nil {
		sink = NewLogSink(fallback)
	}
	return &Recorder{sink: sink, fallback: fallback, timeout: DefaultAppendTimeout}
}

// WithTimeout returns a copy of r with a different per-append timeout.
func (r *Recorder) WithTimeout(d time.Duration) *Recorder {
	cp := *r
	cp.timeout = d
	return &cp
}

// Record appends e. The write is detached from ctx's cancellation so a client
// disconnect does not lose the entry, and bounded by the recorder timeout.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.safeAppend(ctx, e); err != nil {
		r.fallback.Warn("audit: sink append failed, entry logged locally",
			zap.Error(err),
			zap.Object("entry", e),
		)
	}
}

func (r *Recorder) safeAppend(ctx context.Context, e Entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("audit: sink panicked: %v", p)
		}
	}()
	return r.sink.Append(ctx, e)
}

// ---------------------------------------------------------------------------
// LogSink
// ---------------------------------------------------------------------------

// LogSink writes entries as structured zap log lines.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink that logs to logger under the "audit" name.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Append implements [Sink].
func (s *LogSink) Append(_ context.Context, e Entry) error {
	s.logger.Info("audit", zap.Object("entry", e))
	return nil
}

// ---------------------------------------------------------------------------
// MultiSink
// ---------------------------------------------------------------------------

// MultiSink fans an entry out to several sinks. Every sink is attempted; the
// errors are joined.
type MultiSink []Sink

// Append implements [Sink].
func (m MultiSink) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// AsyncSink
// ---------------------------------------------------------------------------

// ErrBufferFull is returned by [AsyncSink.Append] when the queue is full.
var ErrBufferFull = errors.New("audit: async buffer full")

// ErrClosed is returned by [AsyncSink.Append] after Close.
var ErrClosed = errors.New("audit: sink closed")

// AsyncSink queues entries and writes them to an inner sink from a single
// background goroutine, so a slow store never adds latency to a request.
// Entries that do not fit in the buffer are rejected with ErrBufferFull,
// which a Recorder turns into a local log line.
type AsyncSink struct {
	inner  Sink
	queue  chan Entry
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink starts the writer goroutine. Call Close to drain and stop it.
func NewAsyncSink(inner Sink, buffer int, logger *zap.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{
		inner:  inner,
		queue:  make(chan Entry, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Append implements [Sink].
func (s *AsyncSink) Append(_ context.Context, e Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- e:
		return nil
	default:
		return ErrBufferFull
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultAppendTimeout)
		if err := s.inner.Append(ctx, e); err != nil {
			s.logger.Warn("audit: async append failed, entry logged locally",
				zap.Error(err),
				zap.Object("entry", e),
			)
		}
		cancel()
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
