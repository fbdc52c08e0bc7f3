// Package resilience decides whether a failed call to a product is retried.
// Consultants classify an error into a proposal; the Executor runs an action
// and follows the first proposal a consultant makes.
package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/internal/config"
)

// Context is what a consultant sees: the failure that just happened and how
// many retries were already made for the current action.
type Context struct {
	Err                error
	AlreadyDoneRetries int

	values map[string]string
}

// Set stores a value for later consultants or the retry callback.
func (c *Context) Set(key, value string) {
	if c.values == nil {
		c.values = map[string]string{}
	}
	c.values[key] = value
}

// Value returns a value stored with Set.
func (c *Context) Value(key string) string { return c.values[key] }

// Proposal is either *RetryProposal or *FallthroughProposal. A nil Proposal
// means the failure is final.
type Proposal interface {
	isProposal()
}

// RetryProposal asks for up to MaxRetries further attempts, Wait apart.
type RetryProposal struct {
	MaxRetries int
	Wait       time.Duration
	Info       string
}

// FallthroughProposal asks the executor to fail fast with the same error for
// Duration instead of calling the product again.
type FallthroughProposal struct {
	Duration time.Duration
	Info     string
}

func (*RetryProposal) isProposal()       {}
func (*FallthroughProposal) isProposal() {}

// Consultant maps a failure to a proposal. Implementations must be pure.
type Consultant interface {
	Consult(rc *Context) Proposal
}

// ConsultantFunc adapts a function to Consultant.
type ConsultantFunc func(rc *Context) Proposal

func (f ConsultantFunc) Consult(rc *Context) Proposal { return f(rc) }

// Policy is one {max retries, wait} pair.
type Policy struct {
	MaxRetries int
	Wait       time.Duration
}

// Policies holds the policy for each retryable failure class.
type Policies struct {
	BadRequest   Policy
	ServerError  Policy
	NetworkError Policy
}

// PoliciesFromConfig converts the configured policies.
func PoliciesFromConfig(cfg config.ResilienceConfig) Policies {
	conv := func(p config.RetryPolicy) Policy {
		return Policy{MaxRetries: p.MaxRetries, Wait: time.Duration(p.WaitMillis) * time.Millisecond}
	}
	return Policies{
		BadRequest:   conv(cfg.BadRequest),
		ServerError:  conv(cfg.ServerError),
		NetworkError: conv(cfg.NetworkError),
	}
}

// Class is the failure category found in an error chain.
type Class int

const (
	ClassNone Class = iota
	ClassFinal
	ClassBadRequest
	ClassServerError
	ClassNetwork
)

func (c Class) String() string {
	switch c {
	case ClassFinal:
		return "final"
	case ClassBadRequest:
		return "bad_request"
	case ClassServerError:
		return "server_error"
	case ClassNetwork:
		return "network"
	default:
		return "none"
	}
}

// Classify walks the whole chain of err. Invalid arguments, cancellation and
// the adapter's own timeout are final wherever they appear. Otherwise the
// innermost HTTP status decides, then network failures.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, adapter.ErrInvalidArgument) ||
		errors.Is(err, adapter.ErrTimeout) ||
		errors.Is(err, adapter.ErrCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ClassFinal
	}

	chain := flatten(err)
	// innermost first
	for i := len(chain) - 1; i >= 0; i-- {
		he, ok := chain[i].(*adapter.HTTPError)
		if !ok {
			continue
		}
		switch {
		case he.StatusCode == http.StatusBadRequest:
			return ClassBadRequest
		case he.StatusCode >= 500 && he.StatusCode <= 599:
			return ClassServerError
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if isNetworkError(chain[i]) {
			return ClassNetwork
		}
	}
	return ClassNone
}

// flatten lists every error in the tree of err, outermost first.
func flatten(err error) []error {
	var out []error
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		out = append(out, e)
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		}
	}
	walk(err)
	return out
}

func isNetworkError(err error) bool {
	switch e := err.(type) {
	case *net.OpError, *net.DNSError:
		return true
	case *url.Error:
		return errors.Is(e.Err, io.EOF) || errors.Is(e.Err, io.ErrUnexpectedEOF)
	case syscall.Errno:
		return e == syscall.ECONNRESET || e == syscall.ECONNREFUSED ||
			e == syscall.ECONNABORTED || e == syscall.EPIPE
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		_, isURL := ne.(*url.Error)
		return !isURL
	}
	return false
}

// HTTPConsultant is the default consultant of the HTTP based adapters.
type HTTPConsultant struct {
	policies Policies
}

// NewHTTPConsultant returns a consultant using policies.
func NewHTTPConsultant(policies Policies) *HTTPConsultant {
	return &HTTPConsultant{policies: policies}
}

func (c *HTTPConsultant) Consult(rc *Context) Proposal {
	var p Policy
	class := Classify(rc.Err)
	switch class {
	case ClassBadRequest:
		p = c.policies.BadRequest
	case ClassServerError:
		p = c.policies.ServerError
	case ClassNetwork:
		p = c.policies.NetworkError
	default:
		return nil
	}
	return &RetryProposal{MaxRetries: p.MaxRetries, Wait: p.Wait, Info: class.String()}
}
