// Package config builds and validates the immutable configuration a
// reverseit mount runs against.
package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reverseit/headers"
	"reverseit/pathrewrite"
)

// Protocol is one of the HTTP protocol versions the pool may negotiate
// against the backend.
type Protocol string

const (
	HTTP1 Protocol = "http1"
	HTTP2 Protocol = "http2"
)

const (
	defaultTimeoutMS        = 30_000
	defaultConnectTimeoutMS = 5_000
	defaultMaxBodySize      = 10 * 1024 * 1024
)

// Unlimited marks max_body_size as having no limit.
const Unlimited int64 = -1

// ErrorResponse is the (status, reason-phrase) emitted for a generic
// backend-origin failure.
type ErrorResponse struct {
	Status int    `yaml:"status"`
	Reason string `yaml:"reason"`
}

// RateLimit is the optional, off-by-default, per-remote-address token
// bucket guarding the mount (supplemental, see SPEC_FULL.md).
type RateLimit struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Options is the mutable, user-supplied bag of per-mount settings passed to
// Build. PoolRef is carried into Config unchanged; Build builds no pool.
// When PoolRef holds a pool.Pool, proxy.New uses it; when it is nil,
// proxy.New builds a default pool.
type Options struct {
	Name          string      `yaml:"name"`
	PoolRef       interface{} `yaml:"-"`
	Backend       string      `yaml:"backend"`
	StripPath     string      `yaml:"strip_path"`
	TimeoutMS     int         `yaml:"timeout_ms"`
	ConnectMS     int         `yaml:"connect_timeout_ms"`
	Protocols     []Protocol  `yaml:"protocols"`
	VerifyTLS     *bool       `yaml:"verify_tls"`
	AddHeaders    []headers.NameValue
	RemoveHeaders []string       `yaml:"remove_headers"`
	MaxBodySize   *int64         `yaml:"max_body_size"`
	ErrorResponse *ErrorResponse `yaml:"error_response"`
	RateLimit     RateLimit      `yaml:"rate_limiting"`
}

// Config is the immutable, fully-resolved configuration a mount runs
// against. It is built once at mount time and never mutated afterwards.
type Config struct {
	Name          string
	PoolRef       interface{}
	Scheme        string
	Host          string
	Port          int
	PathPrefix    string
	StripPath     string
	TimeoutMS     int
	ConnectMS     int
	Protocols     map[Protocol]bool
	VerifyTLS     bool
	AddHeaders    []headers.NameValue
	RemoveHeaders []string
	MaxBodySize   int64
	ErrorResponse ErrorResponse
	RateLimit     RateLimit
}

// Timeout returns TimeoutMS as a time.Duration.
func (c *Config) Timeout() time.Duration { return time.Duration(c.TimeoutMS) * time.Millisecond }

// ConnectTimeout returns ConnectMS as a time.Duration.
func (c *Config) ConnectTimeout() time.Duration { return time.Duration(c.ConnectMS) * time.Millisecond }

// SupportsHTTP2 reports whether the http2 protocol is enabled.
func (c *Config) SupportsHTTP2() bool { return c.Protocols[HTTP2] }

// ConfigError describes the first configuration violation encountered
// while building a Config. Mount-time failures of this kind are fatal.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "reverseit: config error: " + e.Reason }

func configError(format string, args ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Build parses and validates opts into an immutable Config, or returns the
// first ConfigError encountered. Mount-time failures are fatal: the host
// must not serve traffic with a Config that failed to build.
func Build(opts Options) (*Config, error) {
	if opts.Backend == "" {
		return nil, configError("backend is required")
	}

	u, err := url.Parse(opts.Backend)
	if err != nil {
		return nil, configError("invalid backend url: %v", err)
	}
	if u.Scheme == "" {
		return nil, configError("backend url is missing a scheme")
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, configError("unknown backend scheme %q", scheme)
	}
	if u.Hostname() == "" {
		return nil, configError("backend url is missing a host")
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, configError("invalid backend port %q", p)
		}
	} else {
		port = defaultPortForScheme(scheme)
	}

	cfg := &Config{
		Name:          opts.Name,
		PoolRef:       opts.PoolRef,
		Scheme:        scheme,
		Host:          u.Hostname(),
		Port:          port,
		PathPrefix:    pathrewrite.NormalizePrefix(u.Path),
		StripPath:     pathrewrite.NormalizePrefix(opts.StripPath),
		TimeoutMS:     defaultTimeoutMS,
		ConnectMS:     defaultConnectTimeoutMS,
		Protocols:     map[Protocol]bool{HTTP1: true, HTTP2: true},
		VerifyTLS:     true,
		MaxBodySize:   defaultMaxBodySize,
		ErrorResponse: ErrorResponse{Status: 502, Reason: "Bad Gateway"},
		RateLimit:     opts.RateLimit,
	}

	if opts.TimeoutMS > 0 {
		cfg.TimeoutMS = opts.TimeoutMS
	}
	if opts.ConnectMS > 0 {
		cfg.ConnectMS = opts.ConnectMS
	}
	if len(opts.Protocols) > 0 {
		cfg.Protocols = map[Protocol]bool{}
		for _, p := range opts.Protocols {
			switch p {
			case HTTP1, HTTP2:
				cfg.Protocols[p] = true
			default:
				return nil, configError("unknown protocol %q", p)
			}
		}
	}
	if opts.VerifyTLS != nil {
		cfg.VerifyTLS = *opts.VerifyTLS
	}
	if opts.MaxBodySize != nil {
		if *opts.MaxBodySize < 0 {
			cfg.MaxBodySize = Unlimited
		} else {
			cfg.MaxBodySize = *opts.MaxBodySize
		}
	}
	if opts.ErrorResponse != nil {
		cfg.ErrorResponse = *opts.ErrorResponse
	}

	cfg.AddHeaders = append([]headers.NameValue(nil), opts.AddHeaders...)
	cfg.RemoveHeaders = append([]string(nil), opts.RemoveHeaders...)

	return cfg, nil
}

func defaultPortForScheme(scheme string) int {
	switch scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}

// LoadYAML reads opts from a YAML file and builds a Config from them. Used
// by hosts that prefer a file-based mount description (see config.Watch).
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("reverseit: parsing %s: %w", path, err)
	}
	return Build(opts)
}

// Equal reports whether two Configs are semantically identical, ignoring
// PoolRef (an opaque handle that may not support equality comparison).
func Equal(a, b *Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	ac, bc := *a, *b
	ac.PoolRef, bc.PoolRef = nil, nil
	return reflect.DeepEqual(ac, bc)
}

// Watch polls path every interval for mtime changes and, when the parsed
// configuration differs from the last one observed, invokes onChange with
// the freshly built Config. It runs until the stop channel is closed.
func Watch(path string, interval time.Duration, onChange func(*Config), stop <-chan struct{}) {
	var lastMod time.Time
	var last *Config
	first := true

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			cfg, err := LoadYAML(path)
			if err != nil {
				continue
			}
			if first {
				first = false
				last = cfg
				continue
			}
			if !Equal(last, cfg) {
				last = cfg
				onChange(cfg)
			}
		}
	}
}
