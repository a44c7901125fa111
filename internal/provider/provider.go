// Package provider creates LLM-backed clients behind a vendor-neutral interface.
//
// Vendors register a Provider with a Factory. The Factory validates the
// requested model and hands back a Client bound to one backend. Nothing in
// this package speaks a vendor wire protocol; see the anthropic subpackage
// for a concrete backend.
package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider is returned when no provider is registered under a name.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidModel is returned when a provider does not serve the requested model.
	ErrInvalidModel = errors.New("invalid model")
	// ErrMissingCredentials is returned when a backend cannot authenticate.
	ErrMissingCredentials = errors.New("missing credentials")
)

// Request is one prompt sent to a backend.
type Request struct {
	// System is the optional system prompt.
	System string
	// Prompt is the user message.
	Prompt string
	// WorkDir is the isolated workspace the task runs in, if any.
	WorkDir string
	// MaxTokens caps the response length. Zero uses the backend default.
	MaxTokens int64
	// Temperature overrides the backend default when set.
	Temperature *float64
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// Response is the result of one call.
type Response struct {
	Text       string
	Usage      Usage
	Cost       float64
	StopReason string
}

// Credentials carries the secrets a backend may need.
type Credentials struct {
	APIKey     string
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
}

// Backend is the capability set every LLM backend provides.
type Backend interface {
	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream sends req and calls onChunk for each text fragment as it arrives.
	// The returned Response holds the full text.
	Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error)
	// EstimateCost returns the USD cost of usage.
	EstimateCost(usage Usage) float64
}

// Provider builds backends for one vendor.
type Provider interface {
	// Name is the registry key, e.g. "anthropic".
	Name() string
	// DefaultModel is used when a caller does not name a model.
	DefaultModel() string
	// ValidateModel returns an error wrapping ErrInvalidModel when model is not served.
	ValidateModel(model string) error
	// NewBackend builds a backend bound to model.
	NewBackend(model string, creds Credentials) (Backend, error)
}

// Client is a backend bound to a provider and model. Clients hold no per-call
// state and are safe for concurrent use.
type Client struct {
	provider string
	model    string
	backend  Backend
}

// NewClient wraps a backend. Most callers use Factory.CreateClient instead.
func NewClient(provider, model string, backend Backend) *Client {
	return &Client{provider: provider, model: model, backend: backend}
}

// Provider returns the provider name.
func (c *Client) Provider() string { return c.provider }

// Model returns the bound model.
func (c *Client) Model() string { return c.model }

// Complete sends req and waits for the full response.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.backend.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s/%s complete: %w", c.provider, c.model, err)
	}
	c.fillCost(resp)
	return resp, nil
}

// Stream sends req and calls onChunk for each text fragment.
func (c *Client) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	resp, err := c.backend.Stream(ctx, req, onChunk)
	if err != nil {
		return nil, fmt.Errorf("%s/%s stream: %w", c.provider, c.model, err)
	}
	c.fillCost(resp)
	return resp, nil
}

// EstimateCost returns the USD cost of usage on this client's backend.
func (c *Client) EstimateCost(usage Usage) float64 {
	return c.backend.EstimateCost(usage)
}

func (c *Client) fillCost(resp *Response) {
	if resp != nil && resp.Cost == 0 {
		resp.Cost = c.backend.EstimateCost(resp.Usage)
	}
}
