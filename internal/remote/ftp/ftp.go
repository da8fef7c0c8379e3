// Package ftp provides FTP and FTPS transports built on github.com/jlaffaye/ftp.
//
// An FTP download ends with a completion reply on the control connection
// after the data connection closes. The stream returned by Open reads that
// reply when closed and Finalize reports its outcome, so a transfer the
// server did not acknowledge is not counted as read.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotetail/internal/logging"
	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/remote"
)

// Config holds FTP/FTPS settings.
type Config struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	User     string        `json:"user"`
	Password string        `json:"password"`
	Timeout  time.Duration `json:"timeout"`

	// TLS enables FTPS. Explicit (AUTH TLS) unless ImplicitTLS is set.
	TLS                bool `json:"tls"`
	ImplicitTLS        bool `json:"implicit_tls"`
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 21
		if c.TLS && c.ImplicitTLS {
			port = 990
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// session is the part of *ftp.ServerConn the transport uses.
type session interface {
	Login(user, password string) error
	List(path string) ([]*ftp.Entry, error)
	ChangeDir(path string) error
	Delete(path string) error
	Quit() error
	RetrFrom(path string, offset uint64) (io.ReadCloser, error)
}

type serverConn struct {
	*ftp.ServerConn
}

func (s serverConn) RetrFrom(path string, offset uint64) (io.ReadCloser, error) {
	return s.ServerConn.RetrFrom(path, offset)
}

// dialFunc opens a control connection.
type dialFunc func(ctx context.Context, cfg Config) (session, error)

func dial(ctx context.Context, cfg Config) (session, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeout),
	}
	if cfg.TLS {
		tlsConfig := &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
		if cfg.ImplicitTLS {
			opts = append(opts, ftp.DialWithTLS(tlsConfig))
		} else {
			opts = append(opts, ftp.DialWithExplicitTLS(tlsConfig))
		}
	}

	conn, err := ftp.Dial(cfg.addr(), opts...)
	if err != nil {
		return nil, err
	}
	return serverConn{conn}, nil
}

// Client implements remote.FileSystem over FTP or FTPS.
type Client struct {
	cfg     Config
	dial    dialFunc
	metrics *metrics.Counters

	mu         sync.Mutex
	conn       session
	pendingErr error
}

// New creates an FTP client. Connect must be called before use.
func New(cfg Config, m *metrics.Counters) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	return &Client{cfg: cfg, dial: dial, metrics: m}, nil
}

// Type returns "ftps" when TLS is enabled, "ftp" otherwise.
func (c *Client) Type() string {
	if c.cfg.TLS {
		return "ftps"
	}
	return "ftp"
}

// Connect dials and logs in, replacing any previous session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Quit()
		c.conn = nil
	}

	start := time.Now()
	conn, err := c.dial(ctx, c.cfg)
	if err == nil {
		if err = conn.Login(c.cfg.User, c.cfg.Password); err != nil {
			conn.Quit()
		}
	}
	c.metrics.RecordTransportOp(c.Type(), "connect", time.Since(start), err)
	if err != nil {
		return remote.NewConnectionError("connect "+c.cfg.addr(), err)
	}

	c.conn = conn
	logging.Info("connected to FTP server",
		zap.String("addr", c.cfg.addr()),
		zap.String("transport", c.Type()))
	return nil
}

// Disconnect sends QUIT and drops the session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Quit()
	c.conn = nil
	return err
}

// IsConnected reports whether a session is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) session() (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, remote.ErrNotConnected
	}
	return c.conn, nil
}

// classify separates server replies about one file (4xx/5xx on a live
// control connection) from failures of the connection itself.
func classify(op string, err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return remote.NewConnectionError(op, err)
}

// List lists dir.
func (c *Client) List(_ context.Context, dir string) ([]remote.Entry, error) {
	conn, err := c.session()
	if err != nil {
		return nil, remote.NewConnectionError("list", err)
	}

	start := time.Now()
	list, err := conn.List(dir)
	c.metrics.RecordTransportOp(c.Type(), "list", time.Since(start), err)
	if err != nil {
		return nil, remote.NewConnectionError("list "+dir, err)
	}

	entries := make([]remote.Entry, 0, len(list))
	for _, fe := range list {
		e := remote.Entry{
			Name:    fe.Name,
			Dir:     dir,
			Size:    int64(fe.Size),
			ModTime: fe.Time,
		}
		switch fe.Type {
		case ftp.EntryTypeFile:
			e.Kind = remote.KindRegular
		case ftp.EntryTypeFolder:
			e.Kind = remote.KindDirectory
		case ftp.EntryTypeLink:
			e.Kind = remote.KindSymlink
			e.LinkTarget = fe.Target
		default:
			e.Kind = remote.KindUnknown
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ChangeDir issues CWD.
func (c *Client) ChangeDir(_ context.Context, dir string) error {
	conn, err := c.session()
	if err != nil {
		return remote.NewConnectionError("chdir", err)
	}
	if err := conn.ChangeDir(dir); err != nil {
		return classify("chdir "+dir, err)
	}
	return nil
}

// Open starts a RETR at offset (REST). The transfer must be closed before
// another command is sent on this session.
func (c *Client) Open(_ context.Context, entry remote.Entry, offset int64) (io.ReadCloser, error) {
	conn, err := c.session()
	if err != nil {
		return nil, remote.NewConnectionError("open", err)
	}

	start := time.Now()
	resp, err := conn.RetrFrom(entry.Path(), uint64(offset))
	c.metrics.RecordTransportOp(c.Type(), "retr", time.Since(start), err)
	if err != nil {
		return nil, classify("retr "+entry.Path(), err)
	}

	c.mu.Lock()
	c.pendingErr = nil
	c.mu.Unlock()
	return &transfer{ReadCloser: resp, client: c}, nil
}

// Finalize reports whether the server acknowledged the last transfer.
func (c *Client) Finalize(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.pendingErr
	c.pendingErr = nil
	if err != nil {
		return fmt.Errorf("transfer not completed: %w", err)
	}
	return nil
}

// Delete issues DELE.
func (c *Client) Delete(_ context.Context, entry remote.Entry) error {
	conn, err := c.session()
	if err != nil {
		return remote.NewConnectionError("delete", err)
	}

	start := time.Now()
	err = conn.Delete(entry.Path())
	c.metrics.RecordTransportOp(c.Type(), "delete", time.Since(start), err)
	if err != nil {
		return classify("delete "+entry.Path(), err)
	}
	return nil
}

// transfer closes the data connection and keeps the completion reply for
// Finalize instead of returning it from Close.
type transfer struct {
	io.ReadCloser
	client *Client
	once   sync.Once
}

func (t *transfer) Close() error {
	t.once.Do(func() {
		err := t.ReadCloser.Close()
		t.client.mu.Lock()
		t.client.pendingErr = err
		t.client.mu.Unlock()
	})
	return nil
}
