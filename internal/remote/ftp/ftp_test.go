package ftp

import (
	"context"
	"errors"
	"io"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/fruitsalade/remotetail/internal/remote"
)

type fakeSession struct {
	entries  map[string][]*ftp.Entry
	files    map[string]string
	closeErr error
	loginErr error
	deleted  []string
	offsets  []uint64
	quit     bool
}

func (f *fakeSession) Login(user, password string) error { return f.loginErr }

func (f *fakeSession) List(path string) ([]*ftp.Entry, error) {
	list, ok := f.entries[path]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return list, nil
}

func (f *fakeSession) ChangeDir(path string) error {
	if _, ok := f.entries[path]; !ok {
		return &textproto.Error{Code: 550, Msg: "no such directory"}
	}
	return nil
}

func (f *fakeSession) Delete(path string) error {
	if _, ok := f.files[path]; !ok {
		return &textproto.Error{Code: 550, Msg: "no such file"}
	}
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeSession) Quit() error {
	f.quit = true
	return nil
}

func (f *fakeSession) RetrFrom(path string, offset uint64) (io.ReadCloser, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, &textproto.Error{Code: 550, Msg: "no such file"}
	}
	f.offsets = append(f.offsets, offset)
	return &fakeResponse{Reader: strings.NewReader(data[offset:]), err: f.closeErr}, nil
}

type fakeResponse struct {
	io.Reader
	err error
}

func (r *fakeResponse) Close() error { return r.err }

func newTestClient(t *testing.T, sess *fakeSession) *Client {
	t.Helper()
	c, err := New(Config{Host: "ftp.example.com"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.dial = func(ctx context.Context, cfg Config) (session, error) { return sess, nil }
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func TestListMapsEntryTypes(t *testing.T) {
	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &fakeSession{entries: map[string][]*ftp.Entry{
		"/data": {
			{Name: "a.log", Type: ftp.EntryTypeFile, Size: 42, Time: mod},
			{Name: "sub", Type: ftp.EntryTypeFolder},
			{Name: "ln", Type: ftp.EntryTypeLink, Target: "a.log"},
		},
	}}
	c := newTestClient(t, sess)

	entries, err := c.List(context.Background(), "/data")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	a := entries[0]
	if a.Kind != remote.KindRegular || a.Size != 42 || !a.ModTime.Equal(mod) || a.Path() != "/data/a.log" {
		t.Errorf("a.log: unexpected %+v", a)
	}
	if entries[1].Kind != remote.KindDirectory {
		t.Errorf("sub: got %v", entries[1].Kind)
	}
	if entries[2].Kind != remote.KindSymlink || entries[2].LinkTarget != "a.log" {
		t.Errorf("ln: unexpected %+v", entries[2])
	}
}

func TestListFailureIsConnectionError(t *testing.T) {
	c := newTestClient(t, &fakeSession{entries: map[string][]*ftp.Entry{}})
	if _, err := c.List(context.Background(), "/gone"); !remote.IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestOpenResumesAndFinalizeReportsReply(t *testing.T) {
	sess := &fakeSession{files: map[string]string{"/a.log": "0123456789"}}
	c := newTestClient(t, sess)
	entry := remote.Entry{Name: "a.log", Dir: "/", Kind: remote.KindRegular}

	rc, err := c.Open(context.Background(), entry, 6)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if string(data) != "6789" {
		t.Errorf("data = %q", data)
	}
	if len(sess.offsets) != 1 || sess.offsets[0] != 6 {
		t.Errorf("offsets = %v", sess.offsets)
	}
	if err := c.Finalize(context.Background()); err != nil {
		t.Errorf("Finalize: %v", err)
	}

	sess.closeErr = &textproto.Error{Code: 426, Msg: "transfer aborted"}
	rc, err = c.Open(context.Background(), entry, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	io.Copy(io.Discard, rc)
	rc.Close()
	if err := c.Finalize(context.Background()); err == nil {
		t.Fatal("expected finalize error after aborted transfer")
	}
	if err := c.Finalize(context.Background()); err != nil {
		t.Fatalf("finalize error should be consumed, got %v", err)
	}
}

func TestFileErrorsAreNotConnectionErrors(t *testing.T) {
	c := newTestClient(t, &fakeSession{files: map[string]string{}})
	entry := remote.Entry{Name: "missing.log", Dir: "/", Kind: remote.KindRegular}

	_, err := c.Open(context.Background(), entry, 0)
	if err == nil || remote.IsConnectionError(err) {
		t.Fatalf("expected file-level error, got %v", err)
	}
	err = c.Delete(context.Background(), entry)
	if err == nil || remote.IsConnectionError(err) {
		t.Fatalf("expected file-level error, got %v", err)
	}
}

func TestConnectLoginFailure(t *testing.T) {
	sess := &fakeSession{loginErr: errors.New("530 login incorrect")}
	c, err := New(Config{Host: "ftp.example.com"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.dial = func(ctx context.Context, cfg Config) (session, error) { return sess, nil }

	if err := c.Connect(context.Background()); !remote.IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if c.IsConnected() {
		t.Fatal("expected disconnected")
	}
	if !sess.quit {
		t.Error("expected QUIT after failed login")
	}
}

func TestAddrAndType(t *testing.T) {
	tests := []struct {
		cfg      Config
		wantAddr string
		wantType string
	}{
		{Config{Host: "h"}, "h:21", "ftp"},
		{Config{Host: "h", Port: 2121}, "h:2121", "ftp"},
		{Config{Host: "h", TLS: true}, "h:21", "ftps"},
		{Config{Host: "h", TLS: true, ImplicitTLS: true}, "h:990", "ftps"},
	}
	for _, tt := range tests {
		c, err := New(tt.cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got := tt.cfg.addr(); got != tt.wantAddr {
			t.Errorf("addr = %q, want %q", got, tt.wantAddr)
		}
		if got := c.Type(); got != tt.wantType {
			t.Errorf("Type = %q, want %q", got, tt.wantType)
		}
	}
}
