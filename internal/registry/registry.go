package registry

import (
	"errors"
	"fmt"
	"sort"
)

type endpointKey struct {
	model    string
	provider string
}

// Registry is the immutable model/provider catalog. It is safe for
// concurrent use because nothing mutates it after New returns. Returned
// pointers reference the registry's own data and must not be modified.
type Registry struct {
	models     map[string]*ModelConfig
	modelOrder []string
	endpoints  map[endpointKey]*ProviderEndpointConfig
	byModel    map[string][]*ProviderEndpointConfig
	byProvider map[string][]string
	providers  []string
}

// New validates the catalog and indexes it. Every completeness violation is
// reported, not only the first.
func New(c Catalog) (*Registry, error) {
	r := &Registry{
		models:     make(map[string]*ModelConfig, len(c.Models)),
		endpoints:  make(map[endpointKey]*ProviderEndpointConfig, len(c.Endpoints)),
		byModel:    make(map[string][]*ProviderEndpointConfig),
		byProvider: make(map[string][]string),
	}

	var errs []error

	for i := range c.Models {
		m := c.Models[i]
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("models[%d]: id is required", i))
			continue
		}
		if _, dup := r.models[m.ID]; dup {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate model %q", i, m.ID))
			continue
		}
		r.models[m.ID] = &m
		r.modelOrder = append(r.modelOrder, m.ID)
	}

	for i := range c.Endpoints {
		e := c.Endpoints[i]
		e.ordinal = i
		where := fmt.Sprintf("endpoints[%d] (%s/%s)", i, e.ModelID, e.Provider)

		if e.Provider == "" {
			errs = append(errs, fmt.Errorf("%s: provider is required", where))
			continue
		}
		if _, ok := r.models[e.ModelID]; !ok {
			errs = append(errs, fmt.Errorf("%s: references undeclared model", where))
			continue
		}
		key := endpointKey{model: e.ModelID, provider: e.Provider}
		if _, dup := r.endpoints[key]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate model/provider pair", where))
			continue
		}
		if e.NativeModelID == "" {
			e.NativeModelID = e.ModelID
		}
		if e.Priority < 0 {
			errs = append(errs, fmt.Errorf("%s: priority must not be negative", where))
		}
		if len(e.EndpointConfigs) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one region is required", where))
		}
		if err := checkTiers(e.Pricing); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}

		r.endpoints[key] = &e
		r.byModel[e.ModelID] = append(r.byModel[e.ModelID], &e)
		if _, seen := r.byProvider[e.Provider]; !seen {
			r.providers = append(r.providers, e.Provider)
		}
		r.byProvider[e.Provider] = append(r.byProvider[e.Provider], e.ModelID)
	}

	for _, id := range r.modelOrder {
		if len(r.byModel[id]) == 0 {
			errs = append(errs, fmt.Errorf("model %q has no endpoints", id))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid catalog: %w", errors.Join(errs...))
	}
	return r, nil
}

func checkTiers(tiers []PricingTier) error {
	if len(tiers) == 0 {
		return errors.New("pricing requires at least one tier")
	}
	if tiers[0].Threshold != 0 {
		return errors.New("first pricing tier must have threshold 0")
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Threshold <= tiers[i-1].Threshold {
			return fmt.Errorf("pricing tier %d threshold %d is not above %d", i, tiers[i].Threshold, tiers[i-1].Threshold)
		}
	}
	for i, t := range tiers {
		if t.Input < 0 || t.Output < 0 {
			return fmt.Errorf("pricing tier %d has a negative price", i)
		}
	}
	return nil
}

func (r *Registry) Model(modelID string) (*ModelConfig, bool) {
	m, ok := r.models[modelID]
	return m, ok
}

func (r *Registry) ModelProviderConfig(modelID, provider string) (*ProviderEndpointConfig, bool) {
	e, ok := r.endpoints[endpointKey{model: modelID, provider: provider}]
	return e, ok
}

// Endpoints returns every endpoint serving the model in catalog order.
func (r *Registry) Endpoints(modelID string) []*ProviderEndpointConfig {
	return r.byModel[modelID]
}

// ModelProviders returns the providers serving a model in catalog order.
func (r *Registry) ModelProviders(modelID string) []string {
	eps := r.byModel[modelID]
	out := make([]string, 0, len(eps))
	for _, e := range eps {
		out = append(out, e.Provider)
	}
	return out
}

func (r *Registry) ProviderModels(provider string) []string {
	return append([]string(nil), r.byProvider[provider]...)
}

func (r *Registry) AllModelIDs() []string {
	return append([]string(nil), r.modelOrder...)
}

// Providers lists every provider id that appears in the catalog.
func (r *Registry) Providers() []string {
	return append([]string(nil), r.providers...)
}

// PTBEndpoints groups the endpoints the gateway pays for by model.
func (r *Registry) PTBEndpoints() map[string][]*ProviderEndpointConfig {
	out := make(map[string][]*ProviderEndpointConfig)
	for _, id := range r.modelOrder {
		for _, e := range r.byModel[id] {
			if e.PTB {
				out[id] = append(out[id], e)
			}
		}
	}
	return out
}

// SelectTier returns the tier with the greatest threshold not above the
// prompt size. A prompt exactly at a threshold is priced by that tier.
func SelectTier(tiers []PricingTier, promptTokens int) PricingTier {
	if len(tiers) == 0 {
		return PricingTier{}
	}
	i := sort.Search(len(tiers), func(i int) bool {
		return tiers[i].Threshold > promptTokens
	})
	if i == 0 {
		return tiers[0]
	}
	return tiers[i-1]
}

// HighestTier returns the tier with the greatest threshold.
func HighestTier(tiers []PricingTier) PricingTier {
	if len(tiers) == 0 {
		return PricingTier{}
	}
	return tiers[len(tiers)-1]
}
