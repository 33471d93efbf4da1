// Package publish uploads release artifacts to a remote directory over SFTP.
package publish

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/hubpack/hubpack/pkg/config"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Config holds the publication target.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod AuthMethod
	Password   string

	// PrivateKeyPath is the private key used for key authentication.
	PrivateKeyPath string

	// KnownHostsPath is checked when StrictHostKeyChecking is set.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// RemoteDir receives the uploaded files.
	RemoteDir string
}

// FromConfig converts the project publish section.
func FromConfig(c config.PublishConfig) Config {
	return Config{
		Host:                  c.Host,
		Port:                  c.Port,
		User:                  c.User,
		AuthMethod:            AuthMethod(c.AuthMethod),
		Password:              c.Password,
		PrivateKeyPath:        c.PrivateKeyPath,
		KnownHostsPath:        c.KnownHostsPath,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		Timeout:               c.Timeout,
		RemoteDir:             c.RemoteDir,
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.RemoteDir == "" {
		return fmt.Errorf("remote directory is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
		if _, err := os.Stat(c.PrivateKeyPath); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return fmt.Errorf("known_hosts path is required when strict host key checking is enabled")
	}
	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for password prompts.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.Timeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
