package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/registry"
)

const (
	BillingPTB  = "ptb"
	BillingBYOK = "byok"
)

// Options carries the per-request facts the resolver needs.
type Options struct {
	Region        string
	BYOKProviders []string
	// Passthrough names the wire protocol of a provider-native body. When
	// set only providers speaking that protocol are kept.
	Passthrough string
	// Parameters are the optional request parameters in use. Endpoints
	// that declare supported parameters and lack one of them are dropped.
	Parameters []string
}

type ResolvedEndpoint struct {
	ModelID       string
	Provider      string
	Region        string
	BaseURL       string
	NativeModelID string
	CrossRegion   bool
	Billing       string
	Config        *registry.ProviderEndpointConfig
}

// Key identifies the endpoint for circuit breakers and logs.
func (e ResolvedEndpoint) Key() string {
	return e.Provider + "/" + e.ModelID + "@" + e.Region
}

func (e ResolvedEndpoint) IsBYOK() bool {
	return e.Billing == BillingBYOK
}

type Router struct {
	registry      *registry.Registry
	providers     map[string]provider.Provider
	defaultRegion string
}

// New builds a router over the catalog. Endpoints whose provider has no
// adapter in providers are never returned. defaultRegion applies when a
// request names no region.
func New(reg *registry.Registry, providers map[string]provider.Provider, defaultRegion string) *Router {
	return &Router{
		registry:      reg,
		providers:     providers,
		defaultRegion: defaultRegion,
	}
}

func (r *Router) GetProvider(id string) (provider.Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// BYOKCapable reports whether an organization can bring its own key for
// providerID. Unregistered providers and adapters that authenticate
// without an API key are not.
func (r *Router) BYOKCapable(providerID string) bool {
	p, ok := r.providers[providerID]
	return ok && provider.AcceptsAPIKey(p)
}

func (r *Router) ListProviders() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Resolve turns a model specifier into an ordered, de-duplicated fallback
// chain.
func (r *Router) Resolve(spec string, opts Options) ([]ResolvedEndpoint, error) {
	entries, err := domain.ParseModelSpecifier(spec)
	if err != nil {
		return nil, &domain.RoutingError{Specifier: spec, Reason: err.Error()}
	}

	// a listed provider that cannot take a customer key stays PTB
	byok := make(map[string]bool, len(opts.BYOKProviders))
	for _, p := range opts.BYOKProviders {
		if r.BYOKCapable(p) {
			byok[p] = true
		}
	}

	region := opts.Region
	if region == "" {
		region = r.defaultRegion
	}

	var (
		out     []ResolvedEndpoint
		skipped []string
	)
	seen := make(map[string]bool)
	add := func(ep ResolvedEndpoint) {
		key := ep.Key()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, ep)
	}

	for _, entry := range entries {
		if entry.Provider != "" {
			if _, ok := r.registry.Model(entry.Whole().ModelID); ok {
				entry = entry.Whole()
			}
		}

		if _, ok := r.registry.Model(entry.ModelID); !ok {
			return nil, &domain.RoutingError{Specifier: spec, Reason: fmt.Sprintf("unknown model %q", entry.ModelID)}
		}

		if entry.Provider != "" {
			ep, skip, err := r.explicit(entry, region, byok, opts)
			if err != nil {
				return nil, &domain.RoutingError{Specifier: spec, Reason: err.Error()}
			}
			if skip != "" {
				skipped = append(skipped, entry.String()+": "+skip)
				continue
			}
			add(ep)
			continue
		}

		for _, ep := range r.auto(entry.ModelID, region, byok, opts) {
			add(ep)
		}
	}

	if len(out) == 0 {
		reason := "no eligible endpoint"
		if opts.Passthrough != "" {
			reason = fmt.Sprintf("no eligible endpoint speaks the %s protocol", opts.Passthrough)
		}
		if len(skipped) > 0 {
			reason += fmt.Sprintf(" (skipped %s)", strings.Join(skipped, "; "))
		}
		return nil, &domain.RoutingError{Specifier: spec, Reason: reason}
	}
	return out, nil
}

// explicit resolves a model/provider entry. A non-empty skip says why the
// entry cannot serve this request; the chain then moves on to the next one.
func (r *Router) explicit(entry domain.SpecifierEntry, region string, byok map[string]bool, opts Options) (ep ResolvedEndpoint, skip string, err error) {
	cfg, ok := r.registry.ModelProviderConfig(entry.ModelID, entry.Provider)
	if !ok {
		return ResolvedEndpoint{}, "", fmt.Errorf("provider %q does not serve %q", entry.Provider, entry.ModelID)
	}
	if !cfg.PTB && !byok[cfg.Provider] {
		return ResolvedEndpoint{}, "", fmt.Errorf("%s requires a provider key for %q", entry, cfg.Provider)
	}
	p, ok := r.providers[cfg.Provider]
	if !ok {
		return ResolvedEndpoint{}, "provider not enabled", nil
	}
	if opts.Passthrough != "" && p.Protocol() != opts.Passthrough {
		return ResolvedEndpoint{}, "does not speak the " + opts.Passthrough + " protocol", nil
	}
	if param, ok := cfg.Unsupported(opts.Parameters); ok {
		return ResolvedEndpoint{}, "does not support " + param, nil
	}
	ep, err = resolve(cfg, region, byok)
	if err != nil {
		return ResolvedEndpoint{}, "", err
	}
	return ep, "", nil
}

// auto lists the usable endpoints of a model by ascending priority, ties
// broken by catalog order. Endpoints unusable for this request are skipped.
func (r *Router) auto(modelID, region string, byok map[string]bool, opts Options) []ResolvedEndpoint {
	candidates := append([]*registry.ProviderEndpointConfig(nil), r.registry.Endpoints(modelID)...)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Ordinal() < candidates[j].Ordinal()
	})

	var out []ResolvedEndpoint
	for _, cfg := range candidates {
		if !cfg.PTB && !byok[cfg.Provider] {
			continue
		}
		p, ok := r.providers[cfg.Provider]
		if !ok {
			continue
		}
		if opts.Passthrough != "" && p.Protocol() != opts.Passthrough {
			continue
		}
		if _, ok := cfg.Unsupported(opts.Parameters); ok {
			continue
		}
		ep, err := resolve(cfg, region, byok)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func resolve(cfg *registry.ProviderEndpointConfig, region string, byok map[string]bool) (ResolvedEndpoint, error) {
	key, regionCfg, ok := pickRegion(cfg.EndpointConfigs, region)
	if !ok {
		return ResolvedEndpoint{}, fmt.Errorf("%s/%s is not available in region %q", cfg.ModelID, cfg.Provider, region)
	}

	ep := ResolvedEndpoint{
		ModelID:       cfg.ModelID,
		Provider:      cfg.Provider,
		Region:        key,
		BaseURL:       regionCfg.BaseURL,
		NativeModelID: cfg.NativeModelID,
		CrossRegion:   cfg.CrossRegion,
		Billing:       BillingPTB,
		Config:        cfg,
	}
	if regionCfg.NativeModelID != "" {
		ep.NativeModelID = regionCfg.NativeModelID
	}
	if byok[cfg.Provider] {
		ep.Billing = BillingBYOK
	}
	return ep, nil
}

// pickRegion prefers the exact region, then the wildcard entry.
func pickRegion(configs map[string]registry.RegionEndpoint, region string) (string, registry.RegionEndpoint, bool) {
	if region != "" {
		if c, ok := configs[region]; ok {
			return region, c, true
		}
		if c, ok := configs[strings.ToLower(region)]; ok {
			return strings.ToLower(region), c, true
		}
	}
	if c, ok := configs[registry.Wildcard]; ok {
		return registry.Wildcard, c, true
	}
	return "", registry.RegionEndpoint{}, false
}
