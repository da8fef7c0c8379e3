// Package reader turns the bytes appended to a remote file into records and
// hands them to a sink.
package reader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotetail/internal/logging"
	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/remote"
	"github.com/fruitsalade/remotetail/internal/sink"
)

// Per-file failures. None of them stops the cycle.
var (
	ErrStreamRead        = errors.New("stream read failed")
	ErrUnsupportedFormat = errors.New("unsupported compression format")
	ErrFinalize          = errors.New("transfer finalize failed")
	ErrDelete            = errors.New("delete after read failed")
)

// Mode selects how a stream is split into records.
type Mode int

const (
	// Lines emits one record per newline-terminated line.
	Lines Mode = iota
	// Chunks emits fixed-size blocks.
	Chunks
)

const (
	DefaultChunkSize   = 1024
	DefaultMaxLineSize = 1024 * 1024
)

// CompressionGzip is the only supported compression format.
const CompressionGzip = "gzip"

// Options configures a Reader.
type Options struct {
	Mode        Mode
	ChunkSize   int
	MaxLineSize int

	// Compression is "" or "gzip". Only used in Lines mode.
	Compression string

	Now func() time.Time
}

// Reader reads records from remote files.
type Reader struct {
	opts    Options
	sink    sink.Sink
	metrics *metrics.Counters
}

// New creates a Reader emitting to s.
func New(opts Options, s sink.Sink, m *metrics.Counters) *Reader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = DefaultMaxLineSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reader{opts: opts, sink: s, metrics: m}
}

func (r *Reader) checkFormat() error {
	if r.opts.Mode == Lines && r.opts.Compression != "" && r.opts.Compression != CompressionGzip {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, r.opts.Compression)
	}
	return nil
}

// Records returns the records of rd. The sequence reads rd once and stops
// after the first error.
func (r *Reader) Records(rd io.Reader) iter.Seq2[[]byte, error] {
	if r.opts.Mode == Chunks {
		return r.chunks(rd)
	}
	return r.lines(rd)
}

func (r *Reader) lines(rd io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if err := r.checkFormat(); err != nil {
			yield(nil, err)
			return
		}

		src := rd
		if r.opts.Compression == CompressionGzip {
			zr, err := gzip.NewReader(rd)
			if err != nil {
				yield(nil, fmt.Errorf("%w: gzip header: %w", ErrStreamRead, err))
				return
			}
			defer zr.Close()
			src = zr
		}

		// Room for a full line plus its "\r\n" so splitLines never asks for
		// more than the buffer holds.
		scanner := bufio.NewScanner(src)
		scanner.Buffer(make([]byte, 0, min(64*1024, r.opts.MaxLineSize+2)), r.opts.MaxLineSize+2)
		scanner.Split(splitLines(r.opts.MaxLineSize))
		for scanner.Scan() {
			if !yield(bytes.Clone(scanner.Bytes()), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("%w: %w", ErrStreamRead, err))
		}
	}
}

// splitLines splits on "\n", "\r\n" or a lone "\r". A line longer than max
// is emitted as consecutive records of max bytes.
func splitLines(max int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 && i <= max {
			if data[i] == '\n' {
				return i + 1, data[:i], nil
			}
			switch {
			case i+1 < len(data) && data[i+1] == '\n':
				return i + 2, data[:i], nil
			case i+1 < len(data) || atEOF:
				return i + 1, data[:i], nil
			default:
				// "\r" at the end of the buffer; it may be followed by "\n".
				return 0, nil, nil
			}
		}
		// Wait for one byte past max so a terminator right after a full
		// piece is not read as an empty line.
		if len(data) > max {
			return max, data[:max], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

func (r *Reader) chunks(rd io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			buf := make([]byte, r.opts.ChunkSize)
			n, err := io.ReadFull(rd, buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				yield(nil, fmt.Errorf("%w: %w", ErrStreamRead, err))
				return
			}
		}
	}
}

// Read streams entry from offset to the sink and completes the transfer.
// It returns the number of records produced. A remote.ConnectionError from
// Open is returned unwrapped so the caller can reconnect; every other
// failure wraps one of the package errors.
func (r *Reader) Read(ctx context.Context, fs remote.FileSystem, entry remote.Entry, offset int64) (int, error) {
	if err := r.checkFormat(); err != nil {
		return 0, err
	}

	log := logging.WithContext(ctx).With(logging.Path(entry.Path()))

	stream, err := fs.Open(ctx, entry, offset)
	if err != nil {
		if remote.IsConnectionError(err) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: open %s: %w", ErrStreamRead, entry.Path(), err)
	}

	records := 0
	var readErr error
	for body, err := range r.Records(stream) {
		if err != nil {
			readErr = err
			break
		}
		records++
		r.metrics.RecordEvent(len(body))

		e := sink.Event{
			Headers: sink.NewHeaders(entry.Name, entry.Dir, r.opts.Now()),
			Body:    body,
		}
		if err := r.sink.Emit(ctx, e); err != nil {
			r.metrics.IncSinkRejections()
			log.Warn("sink rejected record", zap.Int("record", records), zap.Error(err))
		}
	}

	closeErr := stream.Close()
	finalizeErr := fs.Finalize(ctx)

	if readErr != nil {
		return records, fmt.Errorf("read %s: %w", entry.Path(), readErr)
	}
	if closeErr != nil {
		return records, fmt.Errorf("%w: close %s: %w", ErrStreamRead, entry.Path(), closeErr)
	}
	if finalizeErr != nil {
		return records, fmt.Errorf("%w: %s: %w", ErrFinalize, entry.Path(), finalizeErr)
	}

	log.Debug("file read",
		zap.Int64("offset", offset),
		zap.Int64("size", entry.Size),
		zap.Int("records", records))
	return records, nil
}

// Remove deletes entry after it has been fully read.
func (r *Reader) Remove(ctx context.Context, fs remote.FileSystem, entry remote.Entry) error {
	if err := fs.Delete(ctx, entry); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDelete, entry.Path(), err)
	}
	return nil
}
