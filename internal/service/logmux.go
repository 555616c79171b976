package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fleetvisor/internal/config"
	"fleetvisor/internal/logging"
	"fleetvisor/internal/models"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLineSize    = 1024 * 1024
	readBufferSize = 64 * 1024
)

// LogMux drains worker output streams and fans every line out to the ring
// buffer, the per-worker log files, the supervisor log (when forwarding is
// enabled) and live subscribers. Lines are published one at a time, so every
// sink observes the same arrival order.
type LogMux struct {
	cfg     config.LogsConfig
	logger  *zap.Logger
	metrics *Metrics
	buffer  *LogBuffer

	mu        sync.Mutex
	files     map[string]*lumberjack.Logger
	subs      map[uint64]*subscriber
	nextSubID uint64
	closed    bool
}

type subscriber struct {
	worker string
	ch     chan models.LogLine
}

func NewLogMux(cfg config.LogsConfig, logger *zap.Logger, metrics *Metrics) *LogMux {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = config.DefaultLogBufferSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = config.DefaultSubscriberBuffer
	}
	return &LogMux{
		cfg:     cfg,
		logger:  logger.Named("logmux"),
		metrics: metrics,
		buffer:  NewLogBuffer(cfg.BufferSize),
		files:   make(map[string]*lumberjack.Logger),
		subs:    make(map[uint64]*subscriber),
	}
}

// Attach starts draining both streams of one instance. The returned channel
// is closed after both streams have reached EOF.
func (m *LogMux) Attach(worker string, index int, stamp bool, stdout, stderr io.ReadCloser) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go m.pump(&wg, worker, index, models.StreamStdout, stamp, stdout)
	go m.pump(&wg, worker, index, models.StreamStderr, stamp, stderr)
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// pump reads one stream line by line until EOF. Lines longer than
// maxLineSize are truncated; the rest of such a line is read and dropped so
// the stream keeps flowing.
func (m *LogMux) pump(wg *sync.WaitGroup, worker string, index int, stream models.Stream, stamp bool, r io.ReadCloser) {
	defer wg.Done()
	defer r.Close()

	emit := func(text []byte) {
		line := models.LogLine{
			Worker:   worker,
			Instance: index,
			Stream:   stream,
			Text:     strings.TrimSuffix(string(text), "\r"),
		}
		if stamp {
			now := time.Now()
			line.Timestamp = &now
		}
		m.Publish(line)
	}

	reader := bufio.NewReaderSize(r, readBufferSize)
	var (
		pending   []byte
		truncated bool
	)
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if len(pending) > 0 {
				emit(pending)
			}
			if err != io.EOF {
				m.logger.Warn("worker output stream aborted",
					zap.String("worker", worker),
					zap.Int("instance", index),
					zap.String("stream", string(stream)),
					zap.Error(err),
				)
			}
			return
		}

		if room := maxLineSize - len(pending); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		pending = append(pending, chunk...)
		if isPrefix {
			continue
		}

		if truncated {
			m.logger.Warn("truncated oversized output line",
				zap.String("worker", worker),
				zap.Int("instance", index),
				zap.String("stream", string(stream)),
				zap.Int("limit", maxLineSize),
			)
		}
		emit(pending)
		if cap(pending) > readBufferSize {
			pending = nil
		} else {
			pending = pending[:0]
		}
		truncated = false
	}
}

// Publish delivers one line to every sink.
func (m *LogMux) Publish(line models.LogLine) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffer.Add(line)
	if m.metrics != nil {
		m.metrics.observeLine(line.Worker, line.Stream)
	}

	if w := m.fileFor(line.Worker, line.Stream); w != nil {
		if _, err := io.WriteString(w, formatLine(line)+"\n"); err != nil {
			m.logger.Warn("failed to write worker log file", zap.String("worker", line.Worker), zap.Error(err))
		}
	}

	if m.cfg.Forward {
		fields := []zap.Field{
			zap.String("worker", line.Worker),
			zap.Int("instance", line.Instance),
			zap.String("stream", string(line.Stream)),
		}
		if line.Stream == models.StreamStderr {
			m.logger.Warn(line.Text, fields...)
		} else {
			m.logger.Info(line.Text, fields...)
		}
	}

	for _, sub := range m.subs {
		if sub.worker != "" && sub.worker != line.Worker {
			continue
		}
		select {
		case sub.ch <- line:
		default:
			if m.metrics != nil {
				m.metrics.observeDropped()
			}
		}
	}
}

// fileFor returns the rotated file for a worker stream, or nil when file
// output is disabled. Must be called with m.mu held.
func (m *LogMux) fileFor(worker string, stream models.Stream) io.Writer {
	if m.cfg.Dir == "" || m.closed {
		return nil
	}
	suffix := "out"
	if stream == models.StreamStderr {
		suffix = "err"
	}
	key := worker + "-" + suffix
	if w, ok := m.files[key]; ok {
		return w
	}
	if err := os.MkdirAll(m.cfg.Dir, 0755); err != nil {
		m.logger.Warn("failed to create worker log directory", zap.String("dir", m.cfg.Dir), zap.Error(err))
		return nil
	}
	w := logging.RotatingFile(filepath.Join(m.cfg.Dir, key+".log"), m.cfg.MaxSize, m.cfg.MaxBackups, m.cfg.MaxAge, false)
	m.files[key] = w
	return w
}

// Subscribe streams lines published after the call. An empty worker
// subscribes to every worker. The channel is closed when ctx is done. Lines
// are dropped, not queued, when the subscriber falls behind.
func (m *LogMux) Subscribe(ctx context.Context, worker string) <-chan models.LogLine {
	ch := make(chan models.LogLine, m.cfg.SubscriberBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = &subscriber{worker: worker, ch: ch}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}()
	return ch
}

// Tail returns up to n of the newest buffered lines for worker, or for every
// worker when worker is empty.
func (m *LogMux) Tail(worker string, n int) []models.LogLine {
	if worker == "" {
		return m.buffer.GetLast(n)
	}
	return m.buffer.GetByWorker(worker, n)
}

// Close ends every subscription and closes the log files.
func (m *LogMux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for id, sub := range m.subs {
		close(sub.ch)
		delete(m.subs, id)
	}

	var firstErr error
	for key, w := range m.files {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s log: %w", key, err)
		}
		delete(m.files, key)
	}
	return firstErr
}

func formatLine(line models.LogLine) string {
	if line.Timestamp != nil {
		return line.Timestamp.Format(time.RFC3339Nano) + " " + line.Text
	}
	return line.Text
}
