package publish

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/hubpack/hubpack/pkg/config"
)

// inProcessOpener serves SFTP from the local filesystem over a pipe.
func inProcessOpener(t *testing.T) Opener {
	t.Helper()
	return func(ctx context.Context) (*Session, error) {
		clientRead, serverWrite := io.Pipe()
		serverRead, clientWrite := io.Pipe()

		server, err := sftp.NewServer(struct {
			io.Reader
			io.WriteCloser
		}{serverRead, serverWrite})
		if err != nil {
			return nil, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = server.Serve()
		}()

		client, err := sftp.NewClientPipe(clientRead, clientWrite)
		if err != nil {
			_ = server.Close()
			return nil, err
		}

		return &Session{
			Client: client,
			Close: func() error {
				_ = server.Close()
				err := client.Close()
				<-done
				return err
			},
		}, nil
	}
}

func newTestPublisher(t *testing.T, remoteDir string) *Publisher {
	return NewWithOpener(inProcessOpener(t), remoteDir, zerolog.New(nil).Level(zerolog.Disabled))
}

func writeLocal(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPublish(t *testing.T) {
	local := t.TempDir()
	archive := writeLocal(t, local, "esp32-hub-3.0.7.zip", "zip bytes")
	index := writeLocal(t, local, "package_esp32hub_index.json", `{"packages":[]}`)

	remote := filepath.Join(t.TempDir(), "releases", "3.0.7")
	if err := os.MkdirAll(remote, 0o755); err != nil {
		t.Fatal(err)
	}
	// An older index is replaced.
	writeLocal(t, remote, "package_esp32hub_index.json", "stale")

	uploaded, err := newTestPublisher(t, remote).Publish(context.Background(), archive, index)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(uploaded) != 2 || uploaded[0].Local != archive || uploaded[0].Size != int64(len("zip bytes")) {
		t.Errorf("uploaded = %+v", uploaded)
	}

	for name, want := range map[string]string{
		"esp32-hub-3.0.7.zip":         "zip bytes",
		"package_esp32hub_index.json": `{"packages":[]}`,
	} {
		got, err := os.ReadFile(filepath.Join(remote, name))
		if err != nil {
			t.Errorf("missing remote %s: %v", name, err)
			continue
		}
		if string(got) != want {
			t.Errorf("remote %s = %q, want %q", name, got, want)
		}
	}

	entries, _ := os.ReadDir(remote)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".uploading-") {
			t.Errorf("temporary upload left behind: %s", e.Name())
		}
	}
}

func TestPublish_CreatesRemoteDir(t *testing.T) {
	local := t.TempDir()
	file := writeLocal(t, local, "a.zip", "a")
	remote := filepath.Join(t.TempDir(), "x", "y")

	if _, err := newTestPublisher(t, remote).Publish(context.Background(), file); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remote, "a.zip")); err != nil {
		t.Errorf("file not published: %v", err)
	}
}

func TestPublish_StopsAtMissingFile(t *testing.T) {
	local := t.TempDir()
	first := writeLocal(t, local, "a.zip", "a")
	remote := t.TempDir()

	uploaded, err := newTestPublisher(t, remote).Publish(context.Background(), first, filepath.Join(local, "absent.json"))
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "upload" {
		t.Fatalf("expected upload TransportError, got %v", err)
	}
	if len(uploaded) != 1 {
		t.Errorf("uploaded = %+v", uploaded)
	}
}

func TestPublish_OpenFailure(t *testing.T) {
	boom := errors.New("connection refused")
	p := NewWithOpener(func(context.Context) (*Session, error) {
		return nil, &TransportError{Op: "connect", Err: boom, IsTemporary: true}
	}, "/srv", zerolog.New(nil).Level(zerolog.Disabled))

	if _, err := p.Publish(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected connect error, got %v", err)
	}
}

func TestPublish_Cancelled(t *testing.T) {
	local := t.TempDir()
	file := writeLocal(t, local, "a.zip", "a")
	remote := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestPublisher(t, remote).Publish(ctx, file); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(remote, "a.zip")); err == nil {
		t.Error("cancelled upload reached its target name")
	}
}

func generateTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigValidation(t *testing.T) {
	keyPath := generateTestKey(t)
	base := func() Config {
		return Config{
			Host:           "releases.example.com",
			Port:           22,
			User:           "deploy",
			AuthMethod:     AuthMethodKey,
			PrivateKeyPath: keyPath,
			RemoteDir:      "/srv/releases",
			Timeout:        time.Second,
		}
	}

	tests := []struct {
		name     string
		modify   func(*Config)
		errorMsg string
	}{
		{"valid key config", func(*Config) {}, ""},
		{"valid password config", func(c *Config) { c.AuthMethod = AuthMethodPassword; c.Password = "secret" }, ""},
		{"missing host", func(c *Config) { c.Host = "" }, "host is required"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "invalid port"},
		{"missing user", func(c *Config) { c.User = "" }, "user is required"},
		{"missing remote dir", func(c *Config) { c.RemoteDir = "" }, "remote directory is required"},
		{"missing password", func(c *Config) { c.AuthMethod = AuthMethodPassword }, "password is required"},
		{"missing key file", func(c *Config) { c.PrivateKeyPath = filepath.Join(t.TempDir(), "none") }, "private key file not found"},
		{"unknown auth", func(c *Config) { c.AuthMethod = "agent" }, "unsupported auth method"},
		{"strict without known hosts", func(c *Config) { c.StrictHostKeyChecking = true }, "known_hosts path is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.modify(&c)
			err := c.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	c := Config{
		Host:           "releases.example.com",
		Port:           2222,
		User:           "deploy",
		AuthMethod:     AuthMethodKey,
		PrivateKeyPath: generateTestKey(t),
		Timeout:        5 * time.Second,
	}

	cc, err := c.BuildSSHClientConfig()
	if err != nil {
		t.Fatalf("BuildSSHClientConfig failed: %v", err)
	}
	if cc.User != "deploy" || len(cc.Auth) != 1 || cc.Timeout != 5*time.Second {
		t.Errorf("client config = %+v", cc)
	}
	if c.Address() != "releases.example.com:2222" {
		t.Errorf("Address() = %s", c.Address())
	}

	c.StrictHostKeyChecking = true
	c.KnownHostsPath = filepath.Join(t.TempDir(), "missing_known_hosts")
	if _, err := c.BuildSSHClientConfig(); err == nil {
		t.Error("expected error for missing known_hosts")
	}
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.PublishConfig{
		Host:       "h",
		Port:       22,
		User:       "u",
		AuthMethod: "password",
		Password:   "p",
		RemoteDir:  "/r",
	})
	if c.AuthMethod != AuthMethodPassword || c.RemoteDir != "/r" || c.Address() != "h:22" {
		t.Errorf("config = %+v", c)
	}
}
