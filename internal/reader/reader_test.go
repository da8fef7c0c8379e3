package reader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/remote"
	"github.com/fruitsalade/remotetail/internal/remote/memfs"
	"github.com/fruitsalade/remotetail/internal/sink"
)

type recorder struct {
	events []sink.Event
	reject bool
}

func (r *recorder) Emit(_ context.Context, e sink.Event) error {
	if r.reject {
		return sink.ErrRejected
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) bodies() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = string(e.Body)
	}
	return out
}

func collect(t *testing.T, r *Reader, rd io.Reader) ([]string, error) {
	t.Helper()
	var out []string
	for rec, err := range r.Records(rd) {
		if err != nil {
			return out, err
		}
		out = append(out, string(rec))
	}
	return out, nil
}

func TestLineRecords(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"terminated", "a\nb\n", []string{"a", "b"}},
		{"unterminated tail", "a\nb", []string{"a", "b"}},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"lone cr", "a\rb\rc", []string{"a", "b", "c"}},
		{"mixed endings", "a\r\nb\rc\n\rd", []string{"a", "b", "c", "", "d"}},
		{"trailing cr", "a\r", []string{"a"}},
		{"blank lines", "a\n\nb\n", []string{"a", "", "b"}},
	}
	r := New(Options{Mode: Lines}, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := collect(t, r, strings.NewReader(tt.input))
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLongLinesAreSplit(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"split with remainder", "short\nthis line is too long\nend\n", []string{"short", "this lin", "e is too", " long", "end"}},
		{"exact multiple", "abcdefghABCDEFGH\nx\n", []string{"abcdefgh", "ABCDEFGH", "x"}},
		{"exactly max", "abcdefgh\r\nx", []string{"abcdefgh", "x"}},
		{"unterminated", "abcdefghij", []string{"abcdefgh", "ij"}},
	}
	r := New(Options{Mode: Lines, MaxLineSize: 8}, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// One byte at a time exercises the split at every buffer boundary.
			got, err := collect(t, r, iotest.OneByteReader(strings.NewReader(tt.input)))
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGzipLines(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("first\nsecond\n"))
	zw.Close()

	r := New(Options{Mode: Lines, Compression: CompressionGzip}, nil, nil)
	got, err := collect(t, r, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("got %q", got)
	}

	_, err = collect(t, r, strings.NewReader("not gzip"))
	if !errors.Is(err, ErrStreamRead) {
		t.Fatalf("expected ErrStreamRead for bad gzip, got %v", err)
	}
}

func TestUnsupportedCompression(t *testing.T) {
	r := New(Options{Mode: Lines, Compression: "bzip2"}, nil, nil)
	_, err := collect(t, r, strings.NewReader("x\n"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}

	fs := memfs.New()
	fs.Connect(context.Background())
	fs.WriteFile("/a.log", []byte("x\n"), time.Now())
	entry := remote.Entry{Name: "a.log", Dir: "/", Size: 2, Kind: remote.KindRegular}
	if _, err := r.Read(context.Background(), fs, entry, 0); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat from Read, got %v", err)
	}
	if _, _, opens := fs.Stats(); len(opens) != 0 {
		t.Errorf("stream should not be opened, got %v", opens)
	}
}

func TestChunkRecords(t *testing.T) {
	r := New(Options{Mode: Chunks, ChunkSize: 4}, nil, nil)

	// OneByteReader forces short reads; records must still be full blocks.
	got, err := collect(t, r, iotest.OneByteReader(strings.NewReader("0123456789")))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0123", "4567", "89"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", got, want)
	}

	got, err = collect(t, r, strings.NewReader("01234567"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("exact multiple: got %q", got)
	}
}

func TestChunkReadError(t *testing.T) {
	r := New(Options{Mode: Chunks, ChunkSize: 4}, nil, nil)
	rd := io.MultiReader(strings.NewReader("0123"), iotest.ErrReader(errors.New("reset by peer")))
	got, err := collect(t, r, rd)
	if !errors.Is(err, ErrStreamRead) {
		t.Fatalf("expected ErrStreamRead, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected the first block before the error, got %q", got)
	}
}

func TestReadEmitsFromOffset(t *testing.T) {
	fs := memfs.New()
	fs.Connect(context.Background())
	fs.WriteFile("/logs/a.log", []byte("old\nnew1\nnew2\n"), time.Now())

	at := time.UnixMilli(1700000000000)
	rec := &recorder{}
	m := metrics.New()
	r := New(Options{Mode: Lines, Now: func() time.Time { return at }}, rec, m)

	entry := remote.Entry{Name: "a.log", Dir: "/logs", Size: 14, Kind: remote.KindRegular}
	n, err := r.Read(context.Background(), fs, entry, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 2 {
		t.Errorf("records = %d", n)
	}
	if got := strings.Join(rec.bodies(), ","); got != "new1,new2" {
		t.Errorf("bodies = %q", got)
	}

	h := rec.events[0].Headers
	if h[sink.HeaderFileName] != "a.log" || h[sink.HeaderFilePath] != "/logs" || h[sink.HeaderTimestamp] != "1700000000000" {
		t.Errorf("headers = %v", h)
	}

	if _, finalizes, opens := fs.Stats(); finalizes != 1 || len(opens) != 1 || opens[0].Offset != 4 {
		t.Errorf("finalizes=%d opens=%v", finalizes, opens)
	}
	if s := m.Snapshot(); s.Events != 2 || s.BytesProcessed != 8 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestReadFinalizeFailure(t *testing.T) {
	fs := memfs.New()
	fs.Connect(context.Background())
	fs.WriteFile("/a.log", []byte("x\n"), time.Now())
	fs.FinalizeErr = errors.New("426 transfer aborted")

	r := New(Options{}, &recorder{}, nil)
	entry := remote.Entry{Name: "a.log", Dir: "/", Size: 2, Kind: remote.KindRegular}
	if _, err := r.Read(context.Background(), fs, entry, 0); !errors.Is(err, ErrFinalize) {
		t.Fatalf("expected ErrFinalize, got %v", err)
	}
}

func TestReadSinkRejectionContinues(t *testing.T) {
	fs := memfs.New()
	fs.Connect(context.Background())
	fs.WriteFile("/a.log", []byte("1\n2\n3\n"), time.Now())

	m := metrics.New()
	r := New(Options{}, &recorder{reject: true}, m)
	entry := remote.Entry{Name: "a.log", Dir: "/", Size: 6, Kind: remote.KindRegular}

	n, err := r.Read(context.Background(), fs, entry, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 {
		t.Errorf("records = %d, want 3", n)
	}
	if s := m.Snapshot(); s.SinkRejections != 3 {
		t.Errorf("sink rejections = %d", s.SinkRejections)
	}
}

func TestReadOpenErrors(t *testing.T) {
	fs := memfs.New()
	fs.Connect(context.Background())
	r := New(Options{}, &recorder{}, nil)
	entry := remote.Entry{Name: "missing.log", Dir: "/", Kind: remote.KindRegular}

	_, err := r.Read(context.Background(), fs, entry, 0)
	if !errors.Is(err, ErrStreamRead) || remote.IsConnectionError(err) {
		t.Fatalf("expected per-file ErrStreamRead, got %v", err)
	}

	fs.Drop()
	_, err = r.Read(context.Background(), fs, entry, 0)
	if !remote.IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	fs := memfs.New()
	fs.Connect(context.Background())
	fs.WriteFile("/a.log", []byte("x"), time.Now())
	r := New(Options{}, &recorder{}, nil)
	entry := remote.Entry{Name: "a.log", Dir: "/", Kind: remote.KindRegular}

	if err := r.Remove(context.Background(), fs, entry); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if fs.Exists("/a.log") {
		t.Error("file still exists")
	}

	fs.DeleteErr = errors.New("550 permission denied")
	if err := r.Remove(context.Background(), fs, entry); !errors.Is(err, ErrDelete) {
		t.Fatalf("expected ErrDelete, got %v", err)
	}
}
