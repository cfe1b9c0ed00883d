package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsPrefix namespaces the checkout service's secrets,
// e.g. "checkout/JWT_SECRET".
const SecretsPrefix = "checkout/"

type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsClient resolves secret names under a prefix. Values are read once
// per process.
type SecretsClient struct {
	api    secretsAPI
	prefix string

	mu    sync.Mutex
	cache map[string]string
}

func NewSecretsClient(cfg sdkaws.Config, prefix string) *SecretsClient {
	return newSecretsClient(secretsmanager.NewFromConfig(cfg), prefix)
}

func newSecretsClient(api secretsAPI, prefix string) *SecretsClient {
	return &SecretsClient{api: api, prefix: prefix, cache: make(map[string]string)}
}

// GetSecret returns the string value of prefix+name.
func (s *SecretsClient) GetSecret(ctx context.Context, name string) (string, error) {
	id := s.prefix + name

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache[id]; ok {
		return v, nil
	}

	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: sdkaws.String(id)})
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", id, err)
	}
	value := sdkaws.ToString(out.SecretString)
	if value == "" {
		return "", fmt.Errorf("secret %s is empty", id)
	}
	s.cache[id] = value
	return value, nil
}

// GetSecretMap decodes a JSON object secret such as the database
// credentials bundle.
func (s *SecretsClient) GetSecretMap(ctx context.Context, name string) (map[string]string, error) {
	raw, err := s.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("secret %s%s is not a JSON object: %w", s.prefix, name, err)
	}
	return m, nil
}
