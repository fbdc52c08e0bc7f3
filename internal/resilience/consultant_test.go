package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/internal/config"
)

var testPolicies = Policies{
	BadRequest:   Policy{MaxRetries: 3, Wait: 2 * time.Second},
	ServerError:  Policy{MaxRetries: 3, Wait: 5 * time.Second},
	NetworkError: Policy{MaxRetries: 5, Wait: 10 * time.Second},
}

func httpErr(code int) error {
	return &adapter.HTTPError{StatusCode: code, Method: "GET", URL: "https://cx.example.com/cxrestapi/projects"}
}

func TestClassify(t *testing.T) {
	connReset := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"plain", errors.New("boom"), ClassNone},
		{"400", httpErr(400), ClassBadRequest},
		{"404", httpErr(404), ClassNone},
		{"401", httpErr(401), ClassNone},
		{"500", httpErr(500), ClassServerError},
		{"503 wrapped twice", fmt.Errorf("start scan: %w", fmt.Errorf("call: %w", httpErr(503))), ClassServerError},
		{"adapter error wrapping 502", adapter.Wrap("checkmarx", "t1", adapter.StageStartScan, httpErr(502)), ClassServerError},
		{"invalid argument", fmt.Errorf("build: %w", adapter.ErrInvalidArgument), ClassFinal},
		{"invalid argument beside 500", errors.Join(httpErr(500), adapter.ErrInvalidArgument), ClassFinal},
		{"adapter timeout", fmt.Errorf("%w: scan", adapter.ErrTimeout), ClassFinal},
		{"canceled", adapter.ErrCanceled, ClassFinal},
		{"ctx deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ClassFinal},
		{"conn reset", connReset, ClassNetwork},
		{"conn refused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), ClassNetwork},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), ClassNetwork},
		{"unexpected eof", io.ErrUnexpectedEOF, ClassNetwork},
		{"url error eof", &url.Error{Op: "Get", URL: "https://x", Err: io.EOF}, ClassNetwork},
		{"url error wrapping op error", &url.Error{Op: "Get", URL: "https://x", Err: connReset}, ClassNetwork},
		{"url error plain", &url.Error{Op: "Get", URL: "https://x", Err: errors.New("unsupported protocol")}, ClassNone},
		{"dns", &net.DNSError{Err: "no such host", Name: "cx"}, ClassNetwork},
		{"innermost status wins", fmt.Errorf("%w: %w", httpErr(500), fmt.Errorf("inner: %w", httpErr(400))), ClassBadRequest},
		{"status before network", fmt.Errorf("%w: %w", httpErr(503), io.ErrUnexpectedEOF), ClassServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestHTTPConsultantProposals(t *testing.T) {
	c := NewHTTPConsultant(testPolicies)

	p := c.Consult(&Context{Err: fmt.Errorf("upload: %w", httpErr(400))})
	require.IsType(t, &RetryProposal{}, p)
	rp := p.(*RetryProposal)
	assert.Equal(t, 3, rp.MaxRetries)
	assert.Equal(t, 2*time.Second, rp.Wait)
	assert.Equal(t, "bad_request", rp.Info)

	p = c.Consult(&Context{Err: httpErr(500)})
	require.IsType(t, &RetryProposal{}, p)
	assert.Equal(t, 5*time.Second, p.(*RetryProposal).Wait)

	p = c.Consult(&Context{Err: syscall.ECONNRESET})
	require.IsType(t, &RetryProposal{}, p)
	assert.Equal(t, 5, p.(*RetryProposal).MaxRetries)

	assert.Nil(t, c.Consult(&Context{Err: httpErr(404)}))
	assert.Nil(t, c.Consult(&Context{Err: fmt.Errorf("%w: user", adapter.ErrInvalidArgument)}))
}

func TestHTTPConsultantIsDeterministic(t *testing.T) {
	c := NewHTTPConsultant(testPolicies)
	err := fmt.Errorf("scan: %w", httpErr(502))
	first := c.Consult(&Context{Err: err})
	for range 10 {
		assert.Equal(t, first, c.Consult(&Context{Err: err, AlreadyDoneRetries: 2}))
	}
}

func TestPoliciesFromConfig(t *testing.T) {
	p := PoliciesFromConfig(config.ResilienceConfig{
		BadRequest:   config.RetryPolicy{MaxRetries: 1, WaitMillis: 250},
		ServerError:  config.RetryPolicy{MaxRetries: 2, WaitMillis: 500},
		NetworkError: config.RetryPolicy{MaxRetries: 4, WaitMillis: 1000},
	})
	assert.Equal(t, Policy{MaxRetries: 1, Wait: 250 * time.Millisecond}, p.BadRequest)
	assert.Equal(t, Policy{MaxRetries: 2, Wait: 500 * time.Millisecond}, p.ServerError)
	assert.Equal(t, Policy{MaxRetries: 4, Wait: time.Second}, p.NetworkError)
}

func TestContextValues(t *testing.T) {
	var rc Context
	assert.Equal(t, "", rc.Value("x"))
	rc.Set("x", "y")
	assert.Equal(t, "y", rc.Value("x"))
}
