package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
	"gopkg.in/yaml.v3"
)

const configver = "1.0.0"

// Roles
const (
	RoleResponder = "responder"
	RoleUpdater   = "updater"
)

// Deployment targets
const (
	TargetLambda     = "lambda"
	TargetKubernetes = "kubernetes"
	TargetFilesystem = "filesystem"
)

// Sinkhole modes
const (
	SinkholeNXDomain = "nxdomain"
	SinkholeAddress  = "address"
)

// Config type
type Config struct {
	Version  string
	LogLevel string
	Role     string

	Bind           string
	TLSCertificate string
	TLSPrivateKey  string
	TrustProxy     bool

	Upstream        string
	UpstreamHTTP3   bool
	Timeout         Duration
	DenyList        string
	Sinkhole        string
	Nullroute       string
	Nullroutev6     string
	SinkholeTTL     uint32
	CacheSize       int
	AccessList      []string
	ClientRateLimit int
	ResolverURL     string

	Target            string
	ResponderFunction string
	Namespace         string
	Deployment        string
	Kubeconfig        string
	PackageDir        string
	BlockLists        []string
	AllowLists        []string
	Blocklist         []string
	Whitelist         []string
	SuffixMatch       bool
	SourceTimeout     Duration
	UpdateInterval    Duration
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// UnmarshalYAML for duration type
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# What kind of information should be logged, Log verbosity level [debug,info,warn,error]
loglevel = "info"

# Which part runs when the binary starts without a command inside AWS Lambda [responder,updater]
role = "responder"

# Address to bind to for the DNS-over-HTTPS server in long running mode, "systemd" for socket activation
bind = ":8053"

# TLS certificate and private key, left blank to serve plain HTTP behind a TLS terminating proxy
# tlscertificate = "server.crt"
# tlsprivatekey = "server.key"

# Trust X-Forwarded-For and X-Real-IP headers for the client address
trustproxy = false

# Upstream DNS-over-HTTPS resolver for names that are not blocked
upstream = "https://cloudflare-dns.com/dns-query"

# Use HTTP/3 towards the upstream resolver
upstreamhttp3 = false

# Upstream timeout, keep it below the platform execution deadline
timeout = "400ms"

# Compiled deny-list, a plain list or a deployment package (.zip) holding denylist.txt
denylist = "denylist.txt"

# Answer for blocked names [nxdomain,address]
sinkhole = "nxdomain"

# Addresses returned for blocked A and AAAA queries when sinkhole = "address"
nullroute = "0.0.0.0"
nullroutev6 = "::"

# TTL of synthesized sinkhole answers in seconds
sinkholettl = 3600

# Opportunistic response cache size (total responses), 0 for disabled
cachesize = 0

# Which clients allowed to make queries, empty for everyone
accesslist = [
]

# Client ip address based ratelimit per minute, 0 for disabled
clientratelimit = 0

# Public URL of the responder, consumed by the device profile publisher
resolverurl = ""

# Where the updater publishes new deny-lists [lambda,kubernetes,filesystem]
target = ""

# Responder function name for the lambda target
responderfunction = ""

# Namespace, deployment and optional kubeconfig for the kubernetes target
namespace = "default"
deployment = ""
kubeconfig = ""

# Directory holding current.zip for the filesystem target
packagedir = ""

# Remote block lists in hosts format or plain domain lists
blocklists = [
"https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts"
]

# Remote allow lists in adblock (||domain^) format or plain domain lists
allowlists = [
]

# Manual blocklist entries, "*.domain" blocks the domain and all subdomains
blocklist = []

# Manual whitelist entries
whitelist = [
"static.adsafeprotected.com"
]

# Block every subdomain of hosts file entries too
suffixmatch = false

# Timeout for fetching one source list
sourcetimeout = "60s"

# Reconcile interval for the schedule command
updateinterval = "24h"
`

// Load loads the configuration: defaults, then the optional file at path,
// then environment overrides.
func Load(path string) (*Config, error) {
	cfg := new(Config)

	if _, err := toml.Decode(fmt.Sprintf(defaultConfig, configver), cfg); err != nil {
		return nil, fmt.Errorf("could not load default config: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := generateConfig(path); err != nil {
				return nil, err
			}
		} else if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}

		if cfg.Version != configver {
			zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	zlog.Info("Loading config file", "path", path)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("could not load config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("could not load config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("could not load config: %w", err)
		}
	}

	return nil
}

// Validate checks the settings every role needs.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleResponder, RoleUpdater:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	u, err := url.Parse(c.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("upstream %q must be an https url", c.Upstream)
	}

	if c.Timeout.Duration <= 0 {
		return errors.New("timeout must be positive")
	}

	switch c.Sinkhole {
	case SinkholeNXDomain:
	case SinkholeAddress:
		if ip := net.ParseIP(c.Nullroute); ip == nil || ip.To4() == nil {
			return fmt.Errorf("nullroute %q is not an ipv4 address", c.Nullroute)
		}
		if ip := net.ParseIP(c.Nullroutev6); ip == nil || ip.To4() != nil {
			return fmt.Errorf("nullroutev6 %q is not an ipv6 address", c.Nullroutev6)
		}
	default:
		return fmt.Errorf("unknown sinkhole mode %q", c.Sinkhole)
	}

	if (c.TLSCertificate == "") != (c.TLSPrivateKey == "") {
		return errors.New("tlscertificate and tlsprivatekey must be set together")
	}

	return nil
}

// ValidateUpdater checks the settings the updater needs on top of Validate.
func (c *Config) ValidateUpdater() error {
	switch c.Target {
	case TargetLambda:
		if c.ResponderFunction == "" {
			return errors.New("lambda target needs responderfunction (RESPONDER_FUNCTION_NAME)")
		}
	case TargetKubernetes:
		if c.Deployment == "" {
			return errors.New("kubernetes target needs deployment")
		}
	case TargetFilesystem:
		if c.PackageDir == "" {
			return errors.New("filesystem target needs packagedir")
		}
	case "":
		return errors.New("no deployment target configured")
	default:
		return fmt.Errorf("unknown deployment target %q", c.Target)
	}

	if len(c.BlockLists) == 0 && len(c.Blocklist) == 0 {
		return errors.New("no deny-list sources configured")
	}

	if c.SourceTimeout.Duration <= 0 {
		return errors.New("sourcetimeout must be positive")
	}

	return nil
}

// ParseLevel maps a loglevel setting to a zlog level.
func ParseLevel(s string) (zlog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zlog.LevelDebug, nil
	case "info", "":
		return zlog.LevelInfo, nil
	case "warn", "warning":
		return zlog.LevelWarn, nil
	case "error", "crit":
		return zlog.LevelError, nil
	}

	return zlog.LevelInfo, fmt.Errorf("log verbosity level %q unknown", s)
}

// Generate writes the default config to path.
func Generate(path string) error {
	return generateConfig(path)
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
