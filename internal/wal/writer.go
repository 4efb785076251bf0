package wal

import (
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config configures a Writer.
type Config struct {
	Path                    string
	Durability              DurabilityMode
	BufferedFlushInterval   time.Duration
	BufferedFlushMaxCommits int
	MaxEntrySize            int
	Logger                  *zap.Logger
}

// Writer is the single-writer append-only log. Appends are serialized by
// mu so file offsets stay monotone and frames never interleave.
type Writer struct {
	mu   sync.Mutex
	path string
	mode DurabilityMode

	file *os.File
	bw   *bufio.Writer

	maxEntrySize int
	logger       *zap.Logger

	flushMaxCommits   int
	commitsSinceFlush int

	cron   *cron.Cron
	closed bool
}

// Open creates or reopens a WAL file, writing the header if the file is new
// and verifying it otherwise.
func Open(cfg Config) (*Writer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxEntrySize == 0 {
		cfg.MaxEntrySize = defaultMaxEntrySize
	}
	if cfg.BufferedFlushMaxCommits == 0 {
		cfg.BufferedFlushMaxCommits = 200
	}
	if cfg.BufferedFlushInterval == 0 {
		cfg.BufferedFlushInterval = 100 * time.Millisecond
	}

	w := &Writer{
		path:            cfg.Path,
		mode:            cfg.Durability,
		maxEntrySize:    cfg.MaxEntrySize,
		logger:          cfg.Logger,
		flushMaxCommits: cfg.BufferedFlushMaxCommits,
	}

	if cfg.Durability == InMemory {
		return w, nil
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open WAL file")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat WAL file")
	}

	if info.Size() == 0 {
		if err := writeHeader(f.Write); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "write WAL header")
		}
	} else {
		hdr := make([]byte, headerSize)
		if _, err := f.ReadAt(hdr, 0); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "read WAL header")
		}
		if err := parseHeader(hdr); err != nil {
			f.Close()
			return nil, err
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "seek WAL tail")
	}

	w.file = f
	w.bw = bufio.NewWriterSize(f, 64*1024)

	if cfg.Durability == Buffered {
		w.cron = cron.New()
		spec := "@every " + cfg.BufferedFlushInterval.String()
		if _, err := w.cron.AddFunc(spec, func() { _ = w.Flush() }); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "schedule buffered flush")
		}
		w.cron.Start()
	}

	return w, nil
}

// Append writes entry as a single framed record. In Strict mode, a
// CommitTxn entry is fsynced before Append returns. In Buffered mode,
// flushing happens on the cron schedule or after flushMaxCommits commits.
// In InMemory mode Append is a no-op.
func (w *Writer) Append(e Entry) error {
	if w.mode == InMemory {
		return nil
	}

	payload, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if len(payload) > w.maxEntrySize {
		return ErrEntryTooLarge
	}
	frame := frameEntry(payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if _, err := w.bw.Write(frame); err != nil {
		return errors.Wrap(err, "append WAL frame")
	}

	switch w.mode {
	case Strict:
		if e.Kind == KindCommitTxn {
			if err := w.flushLocked(); err != nil {
				return err
			}
		}
	case Buffered:
		if e.Kind == KindCommitTxn {
			w.commitsSinceFlush++
			if w.commitsSinceFlush >= w.flushMaxCommits {
				if err := w.flushLocked(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Flush forces the buffered writer out and fsyncs the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.mode == InMemory || w.file == nil {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "flush WAL buffer")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "fsync WAL file")
	}
	w.commitsSinceFlush = 0
	return nil
}

// Close flushes and closes the WAL file.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	cronInst := w.cron
	w.mu.Unlock()

	if cronInst != nil {
		<-cronInst.Stop().Done()
	}
	if w.mode == InMemory || w.file == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.file.Close()
}

// Path returns the WAL file path ("" for in-memory writers).
func (w *Writer) Path() string { return w.path }
