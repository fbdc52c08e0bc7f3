// Package adapter holds the contract shared by every product adapter: the
// validated invocation config, the resumable metadata bag, the error taxonomy
// and the polling and transport helpers used to drive a remote scan.
package adapter

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Bounds applied by Builder.Build.
const (
	MinPollInterval     = 500 * time.Millisecond
	DefaultPollInterval = time.Minute
	MaxPollInterval     = time.Hour

	MinTimeout     = time.Minute
	DefaultTimeout = 5 * 24 * time.Hour
	MaxTimeout     = 7 * 24 * time.Hour
)

const fallbackTraceIDPrefix = "FALLBACK_TRACE_ID#"

// ProxyType selects how the product is reached through a proxy.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "http"
	ProxySOCKS5 ProxyType = "socks5"
)

// NetworkTargetType groups targets by reachability.
type NetworkTargetType string

const (
	NetworkTargetInternet NetworkTargetType = "INTERNET"
	NetworkTargetIntranet NetworkTargetType = "INTRANET"
)

// LoginCredentials is the credential capability of a config.
type LoginCredentials struct {
	User     string
	Password Secret
}

// Proxy is the proxy capability of a config. A zero Host means no proxy.
type Proxy struct {
	Host string
	Port int
	Type ProxyType
}

// Enabled reports whether a proxy is configured.
func (p Proxy) Enabled() bool { return p.Host != "" }

// Addr returns host:port.
func (p Proxy) Addr() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// NetworkTargets is the target capability of web and infra scan configs.
type NetworkTargets struct {
	Type NetworkTargetType
	URIs []string
	IPs  []string
}

// Empty reports whether no target is set.
func (t NetworkTargets) Empty() bool { return len(t.URIs) == 0 && len(t.IPs) == 0 }

func (t NetworkTargets) clone() NetworkTargets {
	return NetworkTargets{Type: t.Type, URIs: slices.Clone(t.URIs), IPs: slices.Clone(t.IPs)}
}

// Config is the immutable configuration of one adapter invocation. Build it
// with a Builder; a built Config is only ever passed by value.
type Config struct {
	Credentials          LoginCredentials
	BaseURL              string
	Proxy                Proxy
	TrustAllCertificates bool
	// Timeout bounds one Execute call and every polling stage inside it.
	Timeout time.Duration
	// PollInterval is the pause between two status checks.
	PollInterval time.Duration
	// RequestsPerSecond throttles calls to the product. 0 disables it.
	RequestsPerSecond float64
	TraceID           string
	ProjectID         string
	Targets           NetworkTargets

	options map[string]string
}

// Option returns the value of a product specific option.
func (c Config) Option(key string) string { return c.options[key] }

// Options returns a copy of all product specific options.
func (c Config) Options() map[string]string { return maps.Clone(c.options) }

// Builder assembles and validates a Config.
type Builder struct {
	cfg     Config
	options map[string]string
}

// NewBuilder returns a builder preloaded with default interval and timeout.
func NewBuilder() *Builder {
	return &Builder{
		cfg: Config{
			Timeout:      DefaultTimeout,
			PollInterval: DefaultPollInterval,
		},
		options: map[string]string{},
	}
}

func (b *Builder) SetUser(user string) *Builder {
	b.cfg.Credentials.User = user
	return b
}

func (b *Builder) SetPassword(password Secret) *Builder {
	b.cfg.Credentials.Password = password
	return b
}

func (b *Builder) SetBaseURL(baseURL string) *Builder {
	b.cfg.BaseURL = strings.TrimRight(baseURL, "/")
	return b
}

func (b *Builder) SetProxy(host string, port int, typ ProxyType) *Builder {
	b.cfg.Proxy = Proxy{Host: host, Port: port, Type: typ}
	return b
}

func (b *Builder) SetTrustAllCertificates(trustAll bool) *Builder {
	b.cfg.TrustAllCertificates = trustAll
	return b
}

// SetTimeout ignores non-positive values.
func (b *Builder) SetTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.cfg.Timeout = d
	}
	return b
}

// SetPollInterval ignores non-positive values.
func (b *Builder) SetPollInterval(d time.Duration) *Builder {
	if d > 0 {
		b.cfg.PollInterval = d
	}
	return b
}

func (b *Builder) SetRequestsPerSecond(rps float64) *Builder {
	if rps >= 0 {
		b.cfg.RequestsPerSecond = rps
	}
	return b
}

func (b *Builder) SetTraceID(traceID string) *Builder {
	b.cfg.TraceID = traceID
	return b
}

func (b *Builder) SetProjectID(projectID string) *Builder {
	b.cfg.ProjectID = projectID
	return b
}

func (b *Builder) SetTargets(targets NetworkTargets) *Builder {
	b.cfg.Targets = targets
	return b
}

func (b *Builder) SetOption(key, value string) *Builder {
	b.options[key] = value
	return b
}

// Build validates the collected values, clamps interval and timeout into
// their bounds and returns an independent Config. All validation failures
// are reported together and wrap ErrInvalidArgument.
func (b *Builder) Build() (Config, error) {
	cfg := b.cfg
	cfg.options = maps.Clone(b.options)
	cfg.Targets = cfg.Targets.clone()

	cfg.PollInterval = clamp(cfg.PollInterval, MinPollInterval, MaxPollInterval)
	cfg.Timeout = clamp(cfg.Timeout, MinTimeout, MaxTimeout)
	if cfg.TraceID == "" {
		cfg.TraceID = fmt.Sprintf("%s%d", fallbackTraceIDPrefix, time.Now().UnixNano())
	}
	if cfg.Proxy.Enabled() && cfg.Proxy.Type == "" {
		cfg.Proxy.Type = ProxyHTTP
	}

	var errs []error
	if cfg.Credentials.User == "" {
		errs = append(errs, invalid("user is required"))
	}
	if cfg.Credentials.Password.IsEmpty() {
		errs = append(errs, invalid("password is required"))
	}
	if cfg.ProjectID == "" {
		errs = append(errs, invalid("project id is required"))
	}
	if cfg.BaseURL == "" {
		errs = append(errs, invalid("base url is required"))
	} else if u, err := url.Parse(cfg.BaseURL); err != nil || !u.IsAbs() || u.Host == "" {
		errs = append(errs, invalid("base url %q is not absolute", cfg.BaseURL))
	}
	if cfg.Proxy.Enabled() {
		if cfg.Proxy.Port <= 0 {
			errs = append(errs, invalid("proxy host %q set but no proxy port", cfg.Proxy.Host))
		}
		if cfg.Proxy.Type != ProxyHTTP && cfg.Proxy.Type != ProxySOCKS5 {
			errs = append(errs, invalid("unsupported proxy type %q", cfg.Proxy.Type))
		}
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return max(lo, min(d, hi))
}
