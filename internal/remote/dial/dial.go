// Package dial builds the configured remote.FileSystem.
package dial

import (
	"context"
	"fmt"

	"github.com/fruitsalade/remotetail/internal/config"
	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/remote"
	"github.com/fruitsalade/remotetail/internal/remote/ftp"
	"github.com/fruitsalade/remotetail/internal/remote/local"
	"github.com/fruitsalade/remotetail/internal/remote/s3"
	"github.com/fruitsalade/remotetail/internal/remote/sftp"
	"github.com/fruitsalade/remotetail/internal/remote/smb"
)

// New creates an unconnected transport for cfg.Protocol.
func New(_ context.Context, cfg config.Remote, m *metrics.Counters) (remote.FileSystem, error) {
	switch cfg.Protocol {
	case config.ProtocolFTP, config.ProtocolFTPS:
		return ftp.New(ftp.Config{
			Host:               cfg.Host,
			Port:               cfg.Port,
			User:               cfg.User,
			Password:           cfg.Password,
			Timeout:            cfg.Timeout,
			TLS:                cfg.Protocol == config.ProtocolFTPS,
			ImplicitTLS:        cfg.ImplicitTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}, m)

	case config.ProtocolSFTP:
		return sftp.New(sftp.Config{
			Host:          cfg.Host,
			Port:          cfg.Port,
			User:          cfg.User,
			Password:      cfg.Password,
			KeyFile:       cfg.KeyFile,
			Timeout:       cfg.Timeout,
			KnownHosts:    cfg.KnownHosts,
			StrictHostKey: cfg.StrictHostKey,
		}, m)

	case config.ProtocolS3:
		return s3.New(s3.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		}, m)

	case config.ProtocolLocal:
		return local.New(local.Config{RootPath: cfg.LocalRoot}, m)

	case config.ProtocolSMB:
		return smb.New(smb.Config{
			Server:    cfg.SMBServer,
			MountPath: cfg.SMBMountPath,
		}, m)

	default:
		return nil, fmt.Errorf("unknown protocol: %s", cfg.Protocol)
	}
}
