package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const (
	providerID       = "bedrock"
	anthropicVersion = "bedrock-2023-05-31"
)

// runtime is the slice of the Bedrock runtime API the adapter uses.
type runtime interface {
	Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error)
	InvokeStream(ctx context.Context, modelID string, body []byte) (eventStream, error)
}

type eventStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

type sdkRuntime struct {
	client *bedrockruntime.Client
}

func (r sdkRuntime) Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	out, err := r.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (r sdkRuntime) InvokeStream(ctx context.Context, modelID string, body []byte) (eventStream, error) {
	out, err := r.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}

// Provider invokes Anthropic models on Bedrock. One runtime client is kept
// per region and created on first use.
type Provider struct {
	defaultRegion string
	newRuntime    func(region string) runtime

	mu       sync.Mutex
	runtimes map[string]runtime
}

func New(ctx context.Context, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Provider {
	return newProvider(cfg.Region, func(region string) runtime {
		return sdkRuntime{client: bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
			o.Region = region
		})}
	})
}

func newProvider(defaultRegion string, newRuntime func(region string) runtime) *Provider {
	return &Provider{
		defaultRegion: defaultRegion,
		newRuntime:    newRuntime,
		runtimes:      make(map[string]runtime),
	}
}

func (p *Provider) ID() string {
	return providerID
}

func (p *Provider) Protocol() string {
	return provider.ProtocolAnthropic
}

// HealthCheck only reports that the adapter is configured. AWS credentials
// are resolved per call.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

// AcceptsAPIKey is false: calls are signed with the gateway's AWS
// credentials, so an organization cannot bring its own Bedrock key.
func (p *Provider) AcceptsAPIKey() bool {
	return false
}

func (p *Provider) runtimeFor(region string) runtime {
	if region == "" || region == "*" {
		region = p.defaultRegion
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rt, ok := p.runtimes[region]
	if !ok {
		rt = p.newRuntime(region)
		p.runtimes[region] = rt
	}
	return rt
}

// ModelID returns the Bedrock model identifier for a call. Cross-region
// inference profiles are addressed by prefixing the geography of the
// calling region.
func ModelID(nativeID, region string, crossRegion bool) string {
	if !crossRegion {
		return nativeID
	}
	if geo := geography(region); geo != "" {
		return geo + "." + nativeID
	}
	return nativeID
}

func geography(region string) string {
	switch {
	case strings.HasPrefix(region, "us-"):
		return "us"
	case strings.HasPrefix(region, "eu-"):
		return "eu"
	case strings.HasPrefix(region, "ap-"):
		return "apac"
	default:
		return ""
	}
}

// classify maps SDK failures onto the gateway's error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return httputil.RequestError(providerID, err)
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() > 0 {
		code := status.HTTPStatusCode()
		return &domain.UpstreamError{
			Provider:   providerID,
			StatusCode: code,
			Retryable:  domain.ClassifyStatus(code),
			Err:        err,
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := exceptionStatus(apiErr.ErrorCode())
		return &domain.UpstreamError{
			Provider:   providerID,
			StatusCode: code,
			Retryable:  domain.ClassifyStatus(code),
			Err:        err,
		}
	}

	return httputil.RequestError(providerID, err)
}

// exceptionStatus maps in-band stream exceptions to the status Bedrock
// returns for the same exception on a synchronous call.
func exceptionStatus(code string) int {
	switch code {
	case "ThrottlingException":
		return 429
	case "ModelTimeoutException":
		return 408
	case "ServiceUnavailableException":
		return 503
	case "ModelNotReadyException":
		return 429
	case "InternalServerException", "ModelStreamErrorException":
		return 500
	case "AccessDeniedException":
		return 403
	case "ResourceNotFoundException":
		return 404
	default:
		return 400
	}
}
