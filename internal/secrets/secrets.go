// Package secrets loads upstream provider credentials at startup. In AWS
// deployments the keys live in Secrets Manager under a shared name prefix;
// values are cached in process for a few minutes so a crash loop does not
// hammer the API.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Store fetches named secrets.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	GetJSON(ctx context.Context, name string, v any) error
}

// ProviderKeys is the payload of the "<prefix>provider-keys" secret. Bedrock
// and Ollama authenticate without API keys and are absent here.
type ProviderKeys struct {
	OpenAI    string `json:"openai_api_key"`
	Anthropic string `json:"anthropic_api_key"`
}

// LoadProviderKeys fetches the upstream API keys stored under prefix.
func LoadProviderKeys(ctx context.Context, store Store, prefix string) (*ProviderKeys, error) {
	var keys ProviderKeys
	if err := store.GetJSON(ctx, prefix+"provider-keys", &keys); err != nil {
		return nil, fmt.Errorf("load provider keys: %w", err)
	}
	return &keys, nil
}

// AWSStore reads secrets from AWS Secrets Manager with a short-lived
// in-process cache.
type AWSStore struct {
	client *secretsmanager.Client
	mu     sync.RWMutex
	cache  map[string]cachedSecret
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSStore(ctx context.Context, region string) (*AWSStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSStoreWithConfig(cfg), nil
}

func NewAWSStoreWithConfig(cfg aws.Config) *AWSStore {
	return &AWSStore{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
	}
}

func (s *AWSStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSStore) GetJSON(ctx context.Context, name string, v any) error {
	secret, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(secret), v)
}

// SetCacheTTL overrides the cache lifetime for values fetched after the
// call.
func (s *AWSStore) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

// ClearCache drops every cached value, forcing the next Get to hit the API.
func (s *AWSStore) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedSecret)
}

// InMemoryStore backs tests and local development.
type InMemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{secrets: make(map[string]string)}
}

func (s *InMemoryStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return value, nil
}

func (s *InMemoryStore) GetJSON(ctx context.Context, name string, v any) error {
	secret, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(secret), v)
}

func (s *InMemoryStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemoryStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}
