package adapter

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

// NewHTTPClient builds the client used to talk to a product: proxy and
// trust-all settings come from cfg, and calls are throttled when
// cfg.RequestsPerSecond is set. Deadlines come from the request context.
func NewHTTPClient(cfg Config) (*http.Client, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("unexpected default transport %T", http.DefaultTransport)
	}
	tr := base.Clone()

	if cfg.TrustAllCertificates {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in per executor config for products with self-signed certificates
	}

	if cfg.Proxy.Enabled() {
		switch cfg.Proxy.Type {
		case ProxySOCKS5:
			dialer, err := proxy.SOCKS5("tcp", cfg.Proxy.Addr(), nil, &net.Dialer{Timeout: 30 * time.Second})
			if err != nil {
				return nil, fmt.Errorf("creating socks5 dialer for %s: %w", cfg.Proxy.Addr(), err)
			}
			cd, ok := dialer.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", cfg.Proxy.Addr())
			}
			tr.Proxy = nil
			tr.DialContext = cd.DialContext
		default:
			proxyURL := &url.URL{Scheme: "http", Host: cfg.Proxy.Addr()}
			tr.Proxy = http.ProxyURL(proxyURL)
		}
	}

	var rt http.RoundTripper = tr
	if cfg.RequestsPerSecond > 0 {
		rt = &throttledTransport{
			next:    tr,
			limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		}
	}
	return &http.Client{Transport: rt}, nil
}

type throttledTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("waiting for request slot: %w", err)
	}
	return t.next.RoundTrip(req)
}
