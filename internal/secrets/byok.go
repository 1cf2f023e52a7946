// Package secrets resolves the provider keys organizations bring for their
// own provider accounts (BYOK).
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// BYOKSecretName is where an organization's key for a provider is kept.
func BYOKSecretName(orgID, providerID string) string {
	return "byok/" + orgID + "/" + providerID
}

// ProviderKeys looks up BYOK credentials in a secret store. A secret holds
// either the bare key or a JSON object with an "api_key" field.
type ProviderKeys struct {
	store SecretStore
}

func NewProviderKeys(store SecretStore) *ProviderKeys {
	return &ProviderKeys{store: store}
}

func (k *ProviderKeys) BYOKKey(ctx context.Context, orgID, providerID string) (string, error) {
	name := BYOKSecretName(orgID, providerID)
	raw, err := k.store.GetSecret(ctx, name)
	if err != nil {
		return "", fmt.Errorf("byok key for %s/%s: %w", orgID, providerID, err)
	}

	key := strings.TrimSpace(raw)
	if strings.HasPrefix(key, "{") {
		var doc struct {
			APIKey string `json:"api_key"`
		}
		if err := json.Unmarshal([]byte(key), &doc); err != nil {
			return "", fmt.Errorf("decode %s: %w", name, err)
		}
		key = doc.APIKey
	}
	if key == "" {
		return "", fmt.Errorf("byok key for %s/%s is empty: %w", orgID, providerID, ErrSecretNotFound)
	}
	return key, nil
}
