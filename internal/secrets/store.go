package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

const (
	cacheTTL    = 5 * time.Minute
	notFoundTTL = 30 * time.Second
)

type cacheEntry struct {
	value   string
	missing bool
	expires time.Time
}

// AWSSecretsManager reads secrets from AWS Secrets Manager and caches them,
// including misses, so a hot request path does not hit the API each time.
type AWSSecretsManager struct {
	client secretsAPI
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return newAWSSecretsManager(secretsmanager.NewFromConfig(cfg))
}

func newAWSSecretsManager(client secretsAPI) *AWSSecretsManager {
	return &AWSSecretsManager{client: client, now: time.Now, cache: make(map[string]cacheEntry)}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	if e, ok := s.cached(name); ok {
		if e.missing {
			return "", fmt.Errorf("secret %s: %w", name, ErrSecretNotFound)
		}
		return e.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	var notFound *types.ResourceNotFoundException
	switch {
	case errors.As(err, &notFound):
		s.store(name, cacheEntry{missing: true, expires: s.now().Add(notFoundTTL)})
		return "", fmt.Errorf("secret %s: %w", name, ErrSecretNotFound)
	case err != nil:
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := aws.ToString(out.SecretString)
	s.store(name, cacheEntry{value: value, expires: s.now().Add(cacheTTL)})
	return value, nil
}

// Invalidate drops the cached value for name, e.g. after a key rotation.
func (s *AWSSecretsManager) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

func (s *AWSSecretsManager) cached(name string) (cacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[name]
	if !ok || !s.now().Before(e.expires) {
		return cacheEntry{}, false
	}
	return e, true
}

func (s *AWSSecretsManager) store(name string, e cacheEntry) {
	s.mu.Lock()
	s.cache[name] = e
	s.mu.Unlock()
}

// InMemorySecretStore serves development setups and tests.
type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string]string)}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", name, ErrSecretNotFound)
	}
	return v, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	s.secrets[name] = value
	s.mu.Unlock()
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	delete(s.secrets, name)
	s.mu.Unlock()
}
