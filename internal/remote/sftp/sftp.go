// Package sftp provides an SFTP transport built on github.com/pkg/sftp.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fruitsalade/remotetail/internal/logging"
	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/remote"
)

// Config holds SFTP settings. Either Password or KeyFile must be set.
type Config struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	User     string        `json:"user"`
	Password string        `json:"password"`
	KeyFile  string        `json:"key_file"`
	Timeout  time.Duration `json:"timeout"`

	// KnownHosts is checked when StrictHostKey is set.
	KnownHosts    string `json:"known_hosts"`
	StrictHostKey bool   `json:"strict_host_key"`
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.KeyFile != "" {
		key, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no authentication method configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKey {
		cb, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

type dialFunc func(ctx context.Context, cfg Config) (*sftp.Client, io.Closer, error)

func dial(ctx context.Context, cfg Config) (*sftp.Client, io.Closer, error) {
	sshConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, nil, err
	}

	d := net.Dialer{Timeout: sshConfig.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.addr(), sshConfig)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, err
	}
	return client, sshClient, nil
}

// Client implements remote.FileSystem over SFTP.
type Client struct {
	cfg     Config
	dial    dialFunc
	metrics *metrics.Counters

	mu     sync.Mutex
	client *sftp.Client
	closer io.Closer
}

// New creates an SFTP client. Connect must be called before use.
func New(cfg Config, m *metrics.Counters) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	return &Client{cfg: cfg, dial: dial, metrics: m}, nil
}

// Type returns "sftp".
func (c *Client) Type() string { return "sftp" }

// Connect opens the SSH connection and SFTP subsystem.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()

	start := time.Now()
	client, closer, err := c.dial(ctx, c.cfg)
	c.metrics.RecordTransportOp("sftp", "connect", time.Since(start), err)
	if err != nil {
		return remote.NewConnectionError("connect "+c.cfg.addr(), err)
	}

	c.client = client
	c.closer = closer
	logging.Info("connected to SFTP server", zap.String("addr", c.cfg.addr()))
	return nil
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	c.client = nil
	c.closer = nil
	return err
}

// Disconnect closes the SFTP session and the SSH connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// IsConnected reports whether a session is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) session() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, remote.ErrNotConnected
	}
	return c.client, nil
}

// classify keeps per-file status replies apart from transport failures.
func classify(op string, err error) error {
	var status *sftp.StatusError
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.As(err, &status) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return remote.NewConnectionError(op, err)
}

// List reads dir without following symlinks.
func (c *Client) List(_ context.Context, dir string) ([]remote.Entry, error) {
	client, err := c.session()
	if err != nil {
		return nil, remote.NewConnectionError("list", err)
	}

	start := time.Now()
	infos, err := client.ReadDir(dir)
	c.metrics.RecordTransportOp("sftp", "list", time.Since(start), err)
	if err != nil {
		return nil, remote.NewConnectionError("list "+dir, err)
	}

	entries := make([]remote.Entry, 0, len(infos))
	for _, info := range infos {
		e := remote.Entry{
			Name:    info.Name(),
			Dir:     dir,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		mode := info.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			e.Kind = remote.KindSymlink
			if target, err := client.ReadLink(path.Join(dir, info.Name())); err == nil {
				e.LinkTarget = target
			}
		case mode.IsDir():
			e.Kind = remote.KindDirectory
		case mode.IsRegular():
			e.Kind = remote.KindRegular
		default:
			e.Kind = remote.KindUnknown
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ChangeDir checks that dir exists. SFTP paths are always absolute here.
func (c *Client) ChangeDir(_ context.Context, dir string) error {
	client, err := c.session()
	if err != nil {
		return remote.NewConnectionError("chdir", err)
	}
	info, err := client.Stat(dir)
	if err != nil {
		return classify("chdir "+dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("chdir %s: not a directory", dir)
	}
	return nil
}

// Open opens the file and seeks to offset.
func (c *Client) Open(_ context.Context, entry remote.Entry, offset int64) (io.ReadCloser, error) {
	client, err := c.session()
	if err != nil {
		return nil, remote.NewConnectionError("open", err)
	}

	start := time.Now()
	f, err := client.Open(entry.Path())
	c.metrics.RecordTransportOp("sftp", "open", time.Since(start), err)
	if err != nil {
		return nil, classify("open "+entry.Path(), err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", entry.Path(), err)
		}
	}
	return f, nil
}

// Finalize is a no-op for SFTP.
func (c *Client) Finalize(_ context.Context) error { return nil }

// Delete removes the file.
func (c *Client) Delete(_ context.Context, entry remote.Entry) error {
	client, err := c.session()
	if err != nil {
		return remote.NewConnectionError("delete", err)
	}

	start := time.Now()
	err = client.Remove(entry.Path())
	c.metrics.RecordTransportOp("sftp", "delete", time.Since(start), err)
	if err != nil {
		return classify("delete "+entry.Path(), err)
	}
	return nil
}
