package cost

import (
	"encoding/json"
	"math"
	"unicode/utf8"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/registry"
)

const (
	// charsPerToken is the prompt-size heuristic used before the provider
	// reports real token counts.
	charsPerToken = 4

	defaultOutputTokens = 4096
)

// Calculator prices usage from the registry's tiered endpoint pricing.
type Calculator struct {
	registry *registry.Registry
}

func NewCalculator(reg *registry.Registry) *Calculator {
	return &Calculator{registry: reg}
}

// Cost returns the USD cost of observed usage. The tier is selected by the
// real prompt size. Cached reads and cache writes are priced with the
// tier's multipliers on the input price.
func (c *Calculator) Cost(ep *registry.ProviderEndpointConfig, usage domain.Usage) float64 {
	if len(ep.Pricing) == 0 {
		return 0
	}
	tier := registry.SelectTier(ep.Pricing, usage.PromptTokens)

	cached := usage.CachedTokens()
	write5m, write1h := usage.CacheWriteTokens()
	uncached := usage.PromptTokens - cached - write5m - write1h
	if uncached < 0 {
		uncached = 0
	}

	total := float64(uncached) * tier.Input
	total += float64(cached) * tier.Input * multiplier(tier.CacheRead)
	total += float64(write5m) * tier.Input * writeMultiplier(tier, "5m")
	total += float64(write1h) * tier.Input * writeMultiplier(tier, "1h")
	total += float64(usage.CompletionTokens) * tier.Output
	return total
}

// Estimate returns an upper-bound cost for a request before it is sent:
// the heuristic prompt size plus the output cap, at the endpoint's highest
// tier, with no cache discount.
func (c *Calculator) Estimate(ep *registry.ProviderEndpointConfig, req *domain.ChatRequest) float64 {
	declared, _ := req.DeclaredMaxTokens()
	return c.estimate(ep, PromptTokens(req), declared)
}

// EstimateRaw estimates a passthrough call whose body is opaque. The whole
// body length stands in for the prompt.
func (c *Calculator) EstimateRaw(ep *registry.ProviderEndpointConfig, bodyLen int, maxTokens *int) float64 {
	declared := 0
	if maxTokens != nil {
		declared = *maxTokens
	}
	return c.estimate(ep, ceilDiv(bodyLen, charsPerToken), declared)
}

func (c *Calculator) estimate(ep *registry.ProviderEndpointConfig, promptTokens, declared int) float64 {
	if len(ep.Pricing) == 0 {
		return 0
	}
	output := declared
	if output <= 0 {
		output = c.maxOutput(ep.ModelID)
	}
	tier := registry.HighestTier(ep.Pricing)
	return float64(promptTokens)*tier.Input + float64(output)*tier.Output
}

func (c *Calculator) maxOutput(modelID string) int {
	if c.registry != nil {
		if m, ok := c.registry.Model(modelID); ok && m.MaxOutputTokens > 0 {
			return m.MaxOutputTokens
		}
	}
	return defaultOutputTokens
}

// PromptTokens approximates the prompt size of a request from the
// characters of its messages, tool calls and tool definitions.
func PromptTokens(req *domain.ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		if m.Content.IsParts() {
			for _, p := range m.Content.Parts {
				chars += utf8.RuneCountInString(p.Text)
				if p.ImageURL != nil {
					chars += len(p.ImageURL.URL)
				}
			}
		} else {
			chars += utf8.RuneCountInString(m.Content.Text)
		}
		for _, tc := range m.ToolCalls {
			chars += len(tc.Function.Name) + utf8.RuneCountInString(tc.Function.Arguments)
		}
	}
	for _, t := range req.Tools {
		if data, err := json.Marshal(t.Function); err == nil {
			chars += len(data)
		}
	}
	return ceilDiv(chars, charsPerToken)
}

func multiplier(m *float64) float64 {
	if m == nil {
		return 1
	}
	return *m
}

func writeMultiplier(tier registry.PricingTier, ttl string) float64 {
	if m, ok := tier.CacheWrite[ttl]; ok {
		return m
	}
	return 1
}

func ceilDiv(n, d int) int {
	return int(math.Ceil(float64(n) / float64(d)))
}
