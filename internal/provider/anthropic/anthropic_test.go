package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/retry"
)

func TestProvider_ValidateModel(t *testing.T) {
	p := New("")

	tests := []struct {
		model   string
		wantErr bool
	}{
		{"claude-sonnet-4-20250514", false},
		{"claude-3-5-haiku-20241022", false},
		{"gpt-4", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			err := p.ValidateModel(tt.model)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateModel(%q) error = %v, wantErr %v", tt.model, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, provider.ErrInvalidModel) {
				t.Errorf("error should wrap ErrInvalidModel, got %v", err)
			}
		})
	}
}

func TestProvider_DefaultModel(t *testing.T) {
	if got := New("").DefaultModel(); got != "claude-sonnet-4-20250514" {
		t.Errorf("DefaultModel() = %q", got)
	}
	if got := New("claude-haiku-4-5-20251001").DefaultModel(); got != "claude-haiku-4-5-20251001" {
		t.Errorf("DefaultModel() = %q", got)
	}
}

func TestProvider_NewBackendRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	p := New("")

	_, err := p.NewBackend("claude-sonnet-4-20250514", provider.Credentials{})
	if !errors.Is(err, provider.ErrMissingCredentials) {
		t.Fatalf("NewBackend() error = %v, want ErrMissingCredentials", err)
	}

	b, err := p.NewBackend("claude-sonnet-4-20250514", provider.Credentials{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewBackend() with key error = %v", err)
	}
	if b == nil {
		t.Fatal("NewBackend() returned nil backend")
	}
}

func TestFactoryIntegration(t *testing.T) {
	f := provider.NewFactory()
	f.Register(New(""))

	c, err := f.CreateClient(Name, "", provider.Credentials{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	if c.Model() != "claude-sonnet-4-20250514" {
		t.Errorf("Model() = %q", c.Model())
	}

	if _, err := f.CreateClient(Name, "claude-unknown", provider.Credentials{APIKey: "sk-test"}); !errors.Is(err, provider.ErrInvalidModel) {
		t.Errorf("CreateClient() unknown model error = %v", err)
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"claude-sonnet-4-20250514", "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{"us.anthropic.claude-sonnet-4-20250514-v1:0", "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{"custom-model", "custom-model"},
	}
	for _, tt := range tests {
		if got := translateModelForBedrock(tt.in); got != tt.want {
			t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEstimateCost(t *testing.T) {
	p := DefaultModelPricing["claude-sonnet-4-20250514"]
	got := estimateCost(p, provider.Usage{InputTokens: 1_000_000, OutputTokens: 100_000})
	want := 3.0 + 1.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("estimateCost() = %v, want %v", got, want)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Kind
	}{
		{"429", &anthropic.Error{StatusCode: 429}, retry.KindRateLimit},
		{"500", &anthropic.Error{StatusCode: 500}, retry.KindTransport},
		{"529 overloaded", &anthropic.Error{StatusCode: 529}, retry.KindTransport},
		{"408", &anthropic.Error{StatusCode: 408}, retry.KindTimeout},
		{"400", &anthropic.Error{StatusCode: 400}, retry.KindMalformedInput},
		{"401", &anthropic.Error{StatusCode: 401}, retry.KindAuth},
		{"403", &anthropic.Error{StatusCode: 403}, retry.KindAuth},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), retry.KindTimeout},
		{"net timeout", timeoutErr{}, retry.KindTimeout},
		{"dial refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, retry.KindTransport},
		{"plain", errors.New("something"), retry.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retry.KindOf(classifyError(tt.err)); got != tt.want {
				t.Errorf("KindOf(classifyError()) = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBackendParams(t *testing.T) {
	b := &backend{model: "claude-sonnet-4-20250514"}
	temp := 0.0
	params := b.params(provider.Request{System: "be brief", Prompt: "hi", Temperature: &temp})

	if params.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", params.MaxTokens, DefaultMaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Errorf("System = %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(params.Messages))
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0 {
		t.Errorf("Temperature = %+v, want set to 0", params.Temperature)
	}
}

func TestBackend_NoRetriesBelowPolicy(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	p := New("")
	p.BaseURL = srv.URL
	b, err := p.NewBackend("claude-sonnet-4-20250514", provider.Credentials{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	_, err = b.Complete(context.Background(), provider.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("Complete() should fail on 429")
	}
	if kind := retry.KindOf(err); kind != retry.KindRateLimit {
		t.Errorf("KindOf() = %v, want rate limit", kind)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("http requests = %d, want 1", got)
	}
}
