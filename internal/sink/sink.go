// Package sink delivers records read from remote files to downstream
// consumers.
package sink

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Header keys attached to every event.
const (
	HeaderFileName  = "fileName"
	HeaderFilePath  = "filePath"
	HeaderTimestamp = "timestamp"
)

// ErrRejected is returned by a sink that refuses a record under backpressure.
var ErrRejected = errors.New("event rejected by sink")

// Headers is the string metadata attached to an event.
type Headers map[string]string

// NewHeaders builds the standard headers for a record of name found in dir.
func NewHeaders(name, dir string, at time.Time) Headers {
	return Headers{
		HeaderFileName:  name,
		HeaderFilePath:  dir,
		HeaderTimestamp: strconv.FormatInt(at.UnixMilli(), 10),
	}
}

// Event is one record plus its headers. Body is base64 in JSON.
type Event struct {
	Headers Headers `json:"headers"`
	Body    []byte  `json:"body"`
}

// Sink receives events one at a time.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, e Event) error

func (f Func) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi fans each event out to every sink.
type Multi []Sink

// Emit delivers e to all sinks, even after a failure, and joins the errors.
func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
