// Package config loads the daemon configuration from a file, FTPD_*
// environment variables and command line flags, in increasing order of
// precedence.
//
// Keys are nested in files and flattened with dashes on the command line and
// underscores in the environment:
//
//	passive:
//	  ports: "30000-30099"     # --passive-ports, FTPD_PASSIVE_PORTS
//	tls:
//	  keystore: server.p12     # --tls-keystore, FTPD_TLS_KEYSTORE
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gonzalop/ftpd/ftps"
	"github.com/gonzalop/ftpd/server"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables.
const EnvPrefix = "FTPD"

// Config is the daemon configuration.
type Config struct {
	Listen         string
	Name           string
	WelcomeMessage string
	ImplicitTLS    bool

	PassivePorts     string
	PassiveBind      string
	PassiveAdvertise string

	IdleTimeout  time.Duration
	DataTimeout  time.Duration
	WriteTimeout time.Duration
	PortIPCheck  bool

	MaxConnections      int
	MaxConnectionsPerIP int

	// Bandwidth limits in bytes per second; 0 is unlimited.
	BandwidthGlobal     int64
	BandwidthPerSession int64

	TLS TLS

	UsersFile     string
	HomeRoot      string
	AnonymousHome string
	FileSystem    string

	DisabledCommands []string
	DirMessage       bool

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// TLS holds the key store and policy settings.
type TLS struct {
	KeyStore         string
	Password         string
	Format           string
	Alias            string
	Protocol         string
	Ciphers          []string
	ClientAuth       ftps.ClientAuth
	DataPolicy       server.DataTLSPolicy
	ActiveClientRole bool
}

// Enabled reports whether a key store is configured.
func (t TLS) Enabled() bool {
	return t.KeyStore != ""
}

// ProviderConfig returns the ftps configuration for the key store.
func (t TLS) ProviderConfig() ftps.Config {
	return ftps.Config{
		KeyStore: ftps.KeyStore{
			Path:     t.KeyStore,
			Password: t.Password,
			Format:   t.Format,
			Alias:    t.Alias,
		},
		Protocol:     t.Protocol,
		CipherSuites: t.Ciphers,
		ClientAuth:   t.ClientAuth,
	}
}

// flag name -> viper key
var keys = map[string]string{
	"listen":                 "listen",
	"name":                   "name",
	"welcome":                "welcome",
	"implicit-tls":           "implicit_tls",
	"passive-ports":          "passive.ports",
	"passive-bind":           "passive.bind",
	"passive-advertise":      "passive.advertise",
	"idle-timeout":           "timeouts.idle",
	"data-timeout":           "timeouts.data",
	"write-timeout":          "timeouts.write",
	"port-ip-check":          "port_ip_check",
	"max-connections":        "limits.connections",
	"max-connections-per-ip": "limits.connections_per_ip",
	"bandwidth":              "limits.bandwidth",
	"bandwidth-per-session":  "limits.bandwidth_per_session",
	"tls-keystore":           "tls.keystore",
	"tls-password":           "tls.password",
	"tls-format":             "tls.format",
	"tls-alias":              "tls.alias",
	"tls-protocol":           "tls.protocol",
	"tls-ciphers":            "tls.ciphers",
	"tls-client-auth":        "tls.client_auth",
	"tls-data-policy":        "tls.data_policy",
	"tls-active-client-role": "tls.active_client_role",
	"users":                  "users.file",
	"home-root":              "users.home_root",
	"anonymous-home":         "users.anonymous_home",
	"filesystem":             "filesystem",
	"disable-commands":       "commands.disabled",
	"dir-message":            "commands.dir_message",
	"metrics-addr":           "metrics.addr",
	"log-level":              "log.level",
	"log-format":             "log.format",
}

// Flags returns the flag set understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("ftpd", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "configuration file (yaml, toml or json)")

	fs.String("listen", ":2121", "control channel listen address")
	fs.String("name", "", "listener name used in logs and session info (defaults to the listen address)")
	fs.String("welcome", "FTP Server Ready", "220 greeting")
	fs.Bool("implicit-tls", false, "expect TLS from the first byte (implicit FTPS)")

	fs.String("passive-ports", "", `passive port ranges, e.g. "30000-30099,31000" (empty: any port)`)
	fs.String("passive-bind", "", "IP passive listeners bind to (default: control channel address)")
	fs.String("passive-advertise", "", "IP or host name advertised in PASV replies")

	fs.Duration("idle-timeout", 5*time.Minute, "idle session timeout (0 disables)")
	fs.Duration("data-timeout", 10*time.Second, "data connection accept/dial timeout")
	fs.Duration("write-timeout", 30*time.Second, "control channel write timeout")
	fs.Bool("port-ip-check", true, "reject PORT/EPRT addresses that differ from the client")

	fs.Int("max-connections", 0, "maximum concurrent connections (0: unlimited)")
	fs.Int("max-connections-per-ip", 0, "maximum concurrent connections per client IP (0: unlimited)")
	fs.String("bandwidth", "0", `global transfer limit per second, e.g. "10MB" (0: unlimited)`)
	fs.String("bandwidth-per-session", "0", "per-session transfer limit per second (0: unlimited)")

	fs.String("tls-keystore", "", "key store file (enables FTPS)")
	fs.String("tls-password", "", "key store password")
	fs.String("tls-format", "pkcs12", "key store format: pkcs12 or pem")
	fs.String("tls-alias", "", "identity to use from the key store")
	fs.String("tls-protocol", ftps.DefaultProtocol, "TLS, TLSv1.2 or TLSv1.3")
	fs.StringSlice("tls-ciphers", nil, "allowed cipher suites (IANA names)")
	fs.String("tls-client-auth", "none", "client certificates: none, want or need")
	fs.String("tls-data-policy", "explicit", "data channel TLS: explicit (PROT P only) or mirror (also when control is secure)")
	fs.Bool("tls-active-client-role", false, "act as TLS client on active data connections")

	fs.String("users", "users.json", "JSON user file")
	fs.String("home-root", "", "directory relative home directories are resolved against")
	fs.String("anonymous-home", "", "enable read-only anonymous login confined to this directory")
	fs.String("filesystem", "os", "file system backend: os or memory")
	fs.StringSlice("disable-commands", nil, "commands to disable (or groups: legacy, active, write, site)")
	fs.Bool("dir-message", false, "send .message files on CWD")

	fs.String("metrics-addr", "", "serve /metrics and /sessions on this address (empty disables)")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "json", "json or console")
	return fs
}

// Load parses args (without the program name) and merges the config file and
// the environment.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// FromFlags builds a Config from a parsed flag set created by Flags.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for name, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", name, err)
		}
	}

	file, _ := fs.GetString("config")
	if file == "" {
		file = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{
		Listen:              v.GetString("listen"),
		Name:                v.GetString("name"),
		WelcomeMessage:      v.GetString("welcome"),
		ImplicitTLS:         v.GetBool("implicit_tls"),
		PassivePorts:        v.GetString("passive.ports"),
		PassiveBind:         v.GetString("passive.bind"),
		PassiveAdvertise:    v.GetString("passive.advertise"),
		IdleTimeout:         v.GetDuration("timeouts.idle"),
		DataTimeout:         v.GetDuration("timeouts.data"),
		WriteTimeout:        v.GetDuration("timeouts.write"),
		PortIPCheck:         v.GetBool("port_ip_check"),
		MaxConnections:      v.GetInt("limits.connections"),
		MaxConnectionsPerIP: v.GetInt("limits.connections_per_ip"),
		UsersFile:           v.GetString("users.file"),
		HomeRoot:            v.GetString("users.home_root"),
		AnonymousHome:       v.GetString("users.anonymous_home"),
		FileSystem:          strings.ToLower(v.GetString("filesystem")),
		DisabledCommands:    splitList(v.GetStringSlice("commands.disabled")),
		DirMessage:          v.GetBool("commands.dir_message"),
		MetricsAddr:         v.GetString("metrics.addr"),
		LogLevel:            v.GetString("log.level"),
		LogFormat:           v.GetString("log.format"),
		TLS: TLS{
			KeyStore:         v.GetString("tls.keystore"),
			Password:         v.GetString("tls.password"),
			Format:           v.GetString("tls.format"),
			Alias:            v.GetString("tls.alias"),
			Protocol:         v.GetString("tls.protocol"),
			Ciphers:          splitList(v.GetStringSlice("tls.ciphers")),
			ActiveClientRole: v.GetBool("tls.active_client_role"),
		},
	}

	var err error
	if c.BandwidthGlobal, err = parseRate(v.GetString("limits.bandwidth")); err != nil {
		return nil, fmt.Errorf("config: bandwidth: %w", err)
	}
	if c.BandwidthPerSession, err = parseRate(v.GetString("limits.bandwidth_per_session")); err != nil {
		return nil, fmt.Errorf("config: bandwidth-per-session: %w", err)
	}
	if c.TLS.ClientAuth, err = ftps.ParseClientAuth(v.GetString("tls.client_auth")); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(v.GetString("tls.data_policy")) {
	case "", "explicit":
		c.TLS.DataPolicy = server.DataTLSExplicit
	case "mirror":
		c.TLS.DataPolicy = server.DataTLSMirrorControl
	default:
		return nil, fmt.Errorf("config: unknown tls data policy %q", v.GetString("tls.data_policy"))
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks settings that do not depend on external resources.
func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("config: listen address is required")
	case c.ImplicitTLS && !c.TLS.Enabled():
		return errors.New("config: implicit TLS requires a key store")
	case c.FileSystem != "os" && c.FileSystem != "memory":
		return fmt.Errorf("config: unknown file system %q", c.FileSystem)
	case c.IdleTimeout < 0 || c.DataTimeout <= 0 || c.WriteTimeout < 0:
		return errors.New("config: timeouts must not be negative and the data timeout must be positive")
	case c.MaxConnections < 0 || c.MaxConnectionsPerIP < 0:
		return errors.New("config: connection limits must not be negative")
	}
	return nil
}

// parseRate parses a human size ("10MB", "512KiB", "0") as bytes per second.
func parseRate(s string) (int64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "/s")
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// splitList flattens comma separated items, which is how lists arrive from
// the environment.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, f := range strings.Split(item, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}
