package dial

import (
	"context"
	"testing"

	"github.com/fruitsalade/remotetail/internal/config"
)

func TestNewSelectsTransport(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		cfg      config.Remote
		wantType string
	}{
		{config.Remote{Protocol: config.ProtocolFTP, Host: "h"}, "ftp"},
		{config.Remote{Protocol: config.ProtocolFTPS, Host: "h"}, "ftps"},
		{config.Remote{Protocol: config.ProtocolSFTP, Host: "h"}, "sftp"},
		{config.Remote{Protocol: config.ProtocolS3, S3Bucket: "b"}, "s3"},
		{config.Remote{Protocol: config.ProtocolLocal, LocalRoot: root}, "local"},
		{config.Remote{Protocol: config.ProtocolSMB, SMBMountPath: root}, "smb"},
	}

	for _, tt := range tests {
		t.Run(tt.cfg.Protocol, func(t *testing.T) {
			fs, err := New(context.Background(), tt.cfg, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if fs.Type() != tt.wantType {
				t.Errorf("Type = %q, want %q", fs.Type(), tt.wantType)
			}
			if fs.IsConnected() {
				t.Error("transport should not be connected before Connect")
			}
		})
	}
}

func TestNewRejectsUnknownProtocol(t *testing.T) {
	if _, err := New(context.Background(), config.Remote{Protocol: "gopher"}, nil); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}
