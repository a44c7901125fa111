// Package anthropic provides a provider.Backend backed by the Anthropic Messages API,
// either directly or through AWS Bedrock.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/retry"
)

// Name is the registry key for this provider.
const Name = "anthropic"

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 8192

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64 // Cost per 1M input tokens
	OutputPerMillion float64 // Cost per 1M output tokens
}

// DefaultModelPricing contains pricing for the models this provider serves.
// A model missing from this table is rejected at client creation.
var DefaultModelPricing = map[string]ModelPricing{
	"claude-opus-4-5-20251101":   {InputPerMillion: 5.00, OutputPerMillion: 25.00},
	"claude-opus-4-1-20250805":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-5-20250929": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-7-sonnet-20250219": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4-5-20251001":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// bedrockModels maps Anthropic model ids to Bedrock cross-region inference profiles.
var bedrockModels = map[string]string{
	"claude-opus-4-5-20251101":   "us.anthropic.claude-opus-4-5-20251101-v1:0",
	"claude-opus-4-1-20250805":   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	"claude-sonnet-4-5-20250929": "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	"claude-sonnet-4-20250514":   "us.anthropic.claude-sonnet-4-20250514-v1:0",
	"claude-3-7-sonnet-20250219": "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
	"claude-haiku-4-5-20251001":  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
	"claude-3-5-haiku-20241022":  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
}

// Provider builds Anthropic backends.
type Provider struct {
	// Default is the model used when a step does not name one.
	Default string
	// Pricing overrides DefaultModelPricing when non-nil.
	Pricing map[string]ModelPricing
	// BaseURL overrides the API endpoint. Ignored for Bedrock.
	BaseURL string
}

// New creates a provider whose default model is defaultModel.
// An empty defaultModel selects Claude Sonnet 4.
func New(defaultModel string) *Provider {
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}
	return &Provider{Default: defaultModel}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) DefaultModel() string { return p.Default }

// ValidateModel accepts any model in the pricing table.
func (p *Provider) ValidateModel(model string) error {
	if _, ok := p.pricing()[model]; !ok {
		return fmt.Errorf("%w: %q is not a known Anthropic model", provider.ErrInvalidModel, model)
	}
	return nil
}

// NewBackend creates an SDK client for model using the API key or Bedrock credentials in creds.
func (p *Provider) NewBackend(model string, creds provider.Credentials) (provider.Backend, error) {
	var opts []option.RequestOption

	if creds.UseBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if creds.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(creds.AWSRegion))
		}
		if creds.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(creds.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := creds.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is not set", provider.ErrMissingCredentials)
		}
		opts = append(opts, option.WithAPIKey(apiKey))
		if p.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(p.BaseURL))
		}
	}
	// Retries belong to the step's retry policy; one Complete is one request.
	opts = append(opts, option.WithMaxRetries(0))

	wireModel := model
	if creds.UseBedrock {
		wireModel = translateModelForBedrock(model)
	}

	return &backend{
		client:  anthropic.NewClient(opts...),
		model:   anthropic.Model(wireModel),
		pricing: p.pricing()[model],
	}, nil
}

func (p *Provider) pricing() map[string]ModelPricing {
	if p.Pricing != nil {
		return p.Pricing
	}
	return DefaultModelPricing
}

// translateModelForBedrock converts an Anthropic model id to its Bedrock inference profile.
// Unknown ids pass through unchanged.
func translateModelForBedrock(model string) string {
	if strings.HasPrefix(model, "us.anthropic.") {
		return model
	}
	if m, ok := bedrockModels[model]; ok {
		return m
	}
	return model
}

type backend struct {
	client  anthropic.Client
	model   anthropic.Model
	pricing ModelPricing
}

func (b *backend) params(req provider.Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

// Complete sends one message and collects the text blocks of the reply.
func (b *backend) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	resp, err := b.client.Messages.New(ctx, b.params(req))
	if err != nil {
		return nil, classifyError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		}
	}

	usage := provider.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	return &provider.Response{
		Text:       text.String(),
		Usage:      usage,
		Cost:       b.EstimateCost(usage),
		StopReason: string(resp.StopReason),
	}, nil
}

// Stream sends one message and forwards text deltas to onChunk as they arrive.
func (b *backend) Stream(ctx context.Context, req provider.Request, onChunk func(string)) (*provider.Response, error) {
	stream := b.client.Messages.NewStreaming(ctx, b.params(req))
	defer stream.Close()

	message := anthropic.Message{}
	var text strings.Builder
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, retry.MarkOp("accumulate stream", retry.KindMalformedInput, err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text.WriteString(delta.Text)
				onChunk(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}

	usage := provider.Usage{InputTokens: message.Usage.InputTokens, OutputTokens: message.Usage.OutputTokens}
	return &provider.Response{
		Text:       text.String(),
		Usage:      usage,
		Cost:       b.EstimateCost(usage),
		StopReason: string(message.StopReason),
	}, nil
}

// EstimateCost prices usage with the model's per-million rates.
func (b *backend) EstimateCost(usage provider.Usage) float64 {
	return estimateCost(b.pricing, usage)
}

func estimateCost(p ModelPricing, usage provider.Usage) float64 {
	inputCost := float64(usage.InputTokens) / 1_000_000 * p.InputPerMillion
	outputCost := float64(usage.OutputTokens) / 1_000_000 * p.OutputPerMillion
	return inputCost + outputCost
}

// classifyError tags SDK failures with retry kinds so the classifier can apply policy.
func classifyError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch code := apierr.StatusCode; {
		case code == 429:
			return retry.Mark(retry.KindRateLimit, err)
		case code == 408:
			return retry.Mark(retry.KindTimeout, err)
		case code == 401 || code == 403:
			return retry.Mark(retry.KindAuth, err)
		case code >= 500:
			return retry.Mark(retry.KindTransport, err)
		case code >= 400:
			return retry.Mark(retry.KindMalformedInput, err)
		}
		return retry.Mark(retry.KindUnknown, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Mark(retry.KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return retry.Mark(retry.KindTimeout, err)
		}
		return retry.Mark(retry.KindTransport, err)
	}
	return err
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Backend  = (*backend)(nil)
)
