package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

func TestInMemorySecretStore_SetGetDelete(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("api-key", "sk-test-123")
	value, err := store.GetSecret(ctx, "api-key")
	if err != nil || value != "sk-test-123" {
		t.Fatalf("GetSecret() = %q, %v", value, err)
	}

	store.DeleteSecret("api-key")
	if _, err := store.GetSecret(ctx, "api-key"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("GetSecret() after delete error = %v", err)
	}
}

type fakeSecretsAPI struct {
	calls  int
	values map[string]string
	err    error
}

func (f *fakeSecretsAPI) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(params.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no such secret")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func newClockedManager(api secretsAPI) (*AWSSecretsManager, func(time.Duration)) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sm := newAWSSecretsManager(api)
	sm.now = func() time.Time { return now }
	return sm, func(d time.Duration) { now = now.Add(d) }
}

func TestAWSSecretsManager_CachesValues(t *testing.T) {
	api := &fakeSecretsAPI{values: map[string]string{"byok/org-1/openai": "sk-1"}}
	sm, advance := newClockedManager(api)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := sm.GetSecret(ctx, "byok/org-1/openai")
		if err != nil || v != "sk-1" {
			t.Fatalf("GetSecret() = %q, %v", v, err)
		}
	}
	if api.calls != 1 {
		t.Errorf("secrets manager called %d times, want 1", api.calls)
	}

	advance(cacheTTL)
	sm.GetSecret(ctx, "byok/org-1/openai")
	if api.calls != 2 {
		t.Errorf("after expiry calls = %d, want 2", api.calls)
	}

	sm.Invalidate("byok/org-1/openai")
	sm.GetSecret(ctx, "byok/org-1/openai")
	if api.calls != 3 {
		t.Errorf("after Invalidate calls = %d, want 3", api.calls)
	}
}

func TestAWSSecretsManager_CachesMisses(t *testing.T) {
	api := &fakeSecretsAPI{values: map[string]string{}}
	sm, advance := newClockedManager(api)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := NewProviderKeys(sm).BYOKKey(ctx, "org-1", "anthropic"); !errors.Is(err, ErrSecretNotFound) {
			t.Fatalf("error = %v, want ErrSecretNotFound", err)
		}
	}
	if api.calls != 1 {
		t.Errorf("calls = %d, want the miss cached", api.calls)
	}

	advance(notFoundTTL)
	sm.GetSecret(ctx, "byok/org-1/anthropic")
	if api.calls != 2 {
		t.Errorf("calls = %d, miss should expire", api.calls)
	}
}

func TestAWSSecretsManager_APIErrorNotCached(t *testing.T) {
	api := &fakeSecretsAPI{err: errors.New("throttled")}
	sm := newAWSSecretsManager(api)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := sm.GetSecret(ctx, "x")
		if err == nil || errors.Is(err, ErrSecretNotFound) {
			t.Fatalf("error = %v", err)
		}
	}
	if api.calls != 2 {
		t.Errorf("calls = %d, transient errors should not be cached", api.calls)
	}
}
