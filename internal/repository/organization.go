package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// DefaultAPIKey authenticates the development organization seeded by
// DefaultOrganization.
const DefaultAPIKey = "gw-default-key"

type OrganizationRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Organization, error)
	GetByID(ctx context.Context, id string) (*domain.Organization, error)
	Create(ctx context.Context, org *domain.Organization) error
	Update(ctx context.Context, org *domain.Organization) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Organization, error)
}

func DefaultOrganization() *domain.Organization {
	now := time.Now()
	return &domain.Organization{
		ID:           "default",
		Name:         "default",
		APIKeyHash:   crypto.HashAPIKey(DefaultAPIKey),
		RateLimitRPM: 100,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

type InMemoryOrganizationRepository struct {
	mu    sync.RWMutex
	orgs  map[string]*domain.Organization
	byKey map[string]string
}

func NewInMemoryOrganizationRepository(seed ...*domain.Organization) *InMemoryOrganizationRepository {
	repo := &InMemoryOrganizationRepository{
		orgs:  make(map[string]*domain.Organization),
		byKey: make(map[string]string),
	}
	for _, org := range seed {
		repo.orgs[org.ID] = org
		repo.byKey[org.APIKeyHash] = org.ID
	}
	return repo
}

// GetByAPIKey only returns enabled organizations.
func (r *InMemoryOrganizationRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[crypto.HashAPIKey(apiKey)]
	if !ok {
		return nil, domain.ErrOrganizationNotFound
	}
	org, ok := r.orgs[id]
	if !ok || !org.Enabled {
		return nil, domain.ErrOrganizationNotFound
	}
	return clone(org), nil
}

func (r *InMemoryOrganizationRepository) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	org, ok := r.orgs[id]
	if !ok {
		return nil, domain.ErrOrganizationNotFound
	}
	return clone(org), nil
}

func (r *InMemoryOrganizationRepository) Create(ctx context.Context, org *domain.Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := clone(org)
	stored.APIKey = ""
	r.orgs[org.ID] = stored
	r.byKey[org.APIKeyHash] = org.ID
	return nil
}

func (r *InMemoryOrganizationRepository) Update(ctx context.Context, org *domain.Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.orgs[org.ID]
	if !ok {
		return domain.ErrOrganizationNotFound
	}
	if prev.APIKeyHash != org.APIKeyHash {
		delete(r.byKey, prev.APIKeyHash)
		r.byKey[org.APIKeyHash] = org.ID
	}

	stored := clone(org)
	stored.APIKey = ""
	stored.UpdatedAt = time.Now()
	r.orgs[org.ID] = stored
	return nil
}

func (r *InMemoryOrganizationRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	org, ok := r.orgs[id]
	if !ok {
		return domain.ErrOrganizationNotFound
	}
	delete(r.byKey, org.APIKeyHash)
	delete(r.orgs, id)
	return nil
}

// List returns organizations newest first.
func (r *InMemoryOrganizationRepository) List(ctx context.Context) ([]*domain.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Organization, 0, len(r.orgs))
	for _, org := range r.orgs {
		out = append(out, clone(org))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func clone(org *domain.Organization) *domain.Organization {
	c := *org
	c.BYOKProviders = append([]string(nil), org.BYOKProviders...)
	return &c
}
