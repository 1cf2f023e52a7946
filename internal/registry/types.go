package registry

// Wildcard is the region key an endpoint uses when it serves every region.
const Wildcard = "*"

type Modality struct {
	Input  []string `yaml:"input" json:"input"`
	Output []string `yaml:"output" json:"output"`
}

type ModelConfig struct {
	ID              string   `yaml:"id" json:"id"`
	Name            string   `yaml:"name" json:"name"`
	Author          string   `yaml:"author" json:"author"`
	ContextLength   int      `yaml:"context_length" json:"context_length"`
	MaxOutputTokens int      `yaml:"max_output_tokens" json:"max_output_tokens"`
	Modality        Modality `yaml:"modality" json:"modality"`
	Tokenizer       string   `yaml:"tokenizer" json:"tokenizer"`
}

// PricingTier prices tokens once the prompt reaches Threshold tokens.
// Input and Output are USD per token. CacheRead and CacheWrite are
// multipliers on Input; CacheWrite is keyed by TTL ("5m", "1h").
type PricingTier struct {
	Threshold  int                `yaml:"threshold" json:"threshold"`
	Input      float64            `yaml:"input" json:"input"`
	Output     float64            `yaml:"output" json:"output"`
	CacheRead  *float64           `yaml:"cache_read,omitempty" json:"cache_read,omitempty"`
	CacheWrite map[string]float64 `yaml:"cache_write,omitempty" json:"cache_write,omitempty"`
}

type RegionEndpoint struct {
	BaseURL       string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	NativeModelID string `yaml:"native_model_id,omitempty" json:"native_model_id,omitempty"`
}

// ProviderEndpointConfig is one way of serving a model: a provider, its
// native model id, pricing and the regions it is reachable in.
type ProviderEndpointConfig struct {
	ModelID             string                    `yaml:"model" json:"model"`
	Provider            string                    `yaml:"provider" json:"provider"`
	NativeModelID       string                    `yaml:"native_model_id" json:"native_model_id"`
	Version             string                    `yaml:"version,omitempty" json:"version,omitempty"`
	Pricing             []PricingTier             `yaml:"pricing" json:"pricing"`
	SupportedParameters []string                  `yaml:"supported_parameters,omitempty" json:"supported_parameters,omitempty"`
	PTB                 bool                      `yaml:"ptb" json:"ptb"`
	CrossRegion         bool                      `yaml:"cross_region,omitempty" json:"cross_region,omitempty"`
	Priority            int                       `yaml:"priority" json:"priority"`
	EndpointConfigs     map[string]RegionEndpoint `yaml:"regions" json:"regions"`

	ordinal int
}

// Ordinal is the endpoint's position in the catalog. The router uses it to
// break priority ties.
func (e *ProviderEndpointConfig) Ordinal() int {
	return e.ordinal
}

// Supports reports whether the endpoint accepts the named request parameter.
// An endpoint that declares no list accepts everything.
func (e *ProviderEndpointConfig) Supports(param string) bool {
	if len(e.SupportedParameters) == 0 {
		return true
	}
	for _, p := range e.SupportedParameters {
		if p == param {
			return true
		}
	}
	return false
}

// Unsupported returns the first of params the endpoint does not accept.
func (e *ProviderEndpointConfig) Unsupported(params []string) (string, bool) {
	for _, p := range params {
		if !e.Supports(p) {
			return p, true
		}
	}
	return "", false
}

// Catalog is the YAML document the registry is built from.
type Catalog struct {
	Models    []ModelConfig            `yaml:"models"`
	Endpoints []ProviderEndpointConfig `yaml:"endpoints"`
}
