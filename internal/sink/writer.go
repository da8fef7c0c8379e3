package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Output formats for Writer.
const (
	FormatJSON = "json"
	FormatRaw  = "raw"
)

// Writer writes one event per line: the JSON encoding of the event, or the
// raw body followed by a newline.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer, format string) (*Writer, error) {
	switch format {
	case FormatJSON, FormatRaw:
	case "":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("unknown sink format: %s", format)
	}
	return &Writer{w: w, format: format}, nil
}

// NewRotatingFile returns a Writer on a size-rotated file.
func NewRotatingFile(path string, maxSizeMB, maxBackups int, format string) (*Writer, error) {
	if path == "" {
		return nil, fmt.Errorf("sink file path is required")
	}
	return NewWriter(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}, format)
}

func (w *Writer) Emit(_ context.Context, e Event) error {
	var line []byte
	if w.format == FormatRaw {
		line = make([]byte, 0, len(e.Body)+1)
		line = append(line, e.Body...)
	} else {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		line = data
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close closes the underlying writer if it is an io.Closer.
func (w *Writer) Close() error {
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
