// Package profile describes the immutable connection profiles the engine
// pools and caches by.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// Driver names a registered database driver.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

// AuthMethod selects how the SSH hop authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
	AuthAgent    AuthMethod = "agent"
)

// TunnelSpec describes an SSH hop used to reach the database host.
type TunnelSpec struct {
	Host        string     `mapstructure:"host"`
	Port        int        `mapstructure:"port"`
	User        string     `mapstructure:"user"`
	Auth        AuthMethod `mapstructure:"auth"`
	Password    string     `mapstructure:"password"`
	PasswordEnv string     `mapstructure:"password_env"`
	KeyFile     string     `mapstructure:"key_file"`
	Passphrase  string     `mapstructure:"passphrase"`
	KnownHosts  string     `mapstructure:"known_hosts"`

	// Local bind policy. LocalPort 0 picks an ephemeral port.
	BindAddress string `mapstructure:"bind_address"`
	LocalPort   int    `mapstructure:"local_port"`
}

// Addr returns the SSH server address.
func (t *TunnelSpec) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Key identifies the SSH endpoint and bind policy.
func (t *TunnelSpec) Key() string {
	bind := t.BindAddress
	if bind == "" {
		bind = "127.0.0.1"
	}
	return fmt.Sprintf("%s@%s#%s:%d", t.User, t.Addr(), bind, t.LocalPort)
}

// Profile is a connection descriptor. Profiles are values; the engine never
// mutates them.
type Profile struct {
	Name     string `mapstructure:"name"`
	Driver   Driver `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	SSLMode  string `mapstructure:"sslmode"`

	// Credential reference, resolved by ResolvePassword in precedence order.
	Password        string `mapstructure:"password"`
	PasswordEnv     string `mapstructure:"password_env"`
	PasswordCommand string `mapstructure:"password_command"`
	Prompt          bool   `mapstructure:"prompt"`

	ReadOnly    bool              `mapstructure:"read_only"`
	MaxSessions int               `mapstructure:"max_sessions"`
	Params      map[string]string `mapstructure:"params"`

	Tunnel *TunnelSpec `mapstructure:"tunnel"`
}

// ID is the identity key used for pooling and caching.
func (p *Profile) ID() string {
	if p.Name != "" {
		return p.Name
	}
	if p.Driver == DriverSQLite {
		return fmt.Sprintf("sqlite:%s", p.Database)
	}
	return fmt.Sprintf("%s://%s@%s/%s", p.Driver, p.User, p.Target(), p.Database)
}

// Target returns the database host:port as seen from the tunnel hop (or
// directly when there is none).
func (p *Profile) Target() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Fingerprint hashes every connection-relevant field so configuration changes
// can be detected without comparing structs.
func (p *Profile) Fingerprint() string {
	h := sha256.New()
	w := func(parts ...any) {
		for _, part := range parts {
			fmt.Fprintf(h, "%v\x00", part)
		}
	}
	w(p.Driver, p.Host, p.Port, p.Database, p.User, p.SSLMode,
		p.Password, p.PasswordEnv, p.PasswordCommand, p.Prompt, p.ReadOnly)

	keys := make([]string, 0, len(p.Params))
	for k := range p.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		w(k, p.Params[k])
	}

	if t := p.Tunnel; t != nil {
		w(t.Key(), t.Auth, t.Password, t.PasswordEnv, t.KeyFile, t.Passphrase, t.KnownHosts)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Validate checks the profile for values no driver could connect with.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	switch p.Driver {
	case DriverPostgres, DriverMySQL:
		if p.Host == "" {
			return fmt.Errorf("profile %s: host cannot be empty", p.Name)
		}
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("profile %s: port must be between 1 and 65535, got %d", p.Name, p.Port)
		}
	case DriverSQLite:
		if p.Database == "" {
			return fmt.Errorf("profile %s: sqlite database path cannot be empty", p.Name)
		}
		if p.Tunnel != nil {
			return fmt.Errorf("profile %s: sqlite profiles cannot use a tunnel", p.Name)
		}
	default:
		return fmt.Errorf("profile %s: unknown driver %q", p.Name, p.Driver)
	}
	if p.MaxSessions < 0 {
		return fmt.Errorf("profile %s: max_sessions must be >= 0, got %d", p.Name, p.MaxSessions)
	}

	if t := p.Tunnel; t != nil {
		if t.Host == "" || t.User == "" {
			return fmt.Errorf("profile %s: tunnel host and user are required", p.Name)
		}
		switch t.Auth {
		case AuthPassword, AuthAgent:
		case AuthKey:
			if t.KeyFile == "" {
				return fmt.Errorf("profile %s: tunnel key_file is required for key auth", p.Name)
			}
		default:
			return fmt.Errorf("profile %s: tunnel auth must be one of password, key, agent, got %q", p.Name, t.Auth)
		}
	}
	return nil
}

// String renders the profile without credentials.
func (p *Profile) String() string {
	var b strings.Builder
	b.WriteString(p.ID())
	if p.Tunnel != nil {
		b.WriteString(" via ")
		b.WriteString(p.Tunnel.User)
		b.WriteString("@")
		b.WriteString(p.Tunnel.Addr())
	}
	if p.ReadOnly {
		b.WriteString(" (read-only)")
	}
	return b.String()
}
