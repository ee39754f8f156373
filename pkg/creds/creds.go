// Package creds resolves API credentials for summarization calls.
//
// Resolution is deliberately lazy: the executor calls the resolver at
// the start of each attempt rather than caching a key at construction,
// so short-lived tokens (SSO, assumed roles) stay fresh across a long
// session.
package creds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// ErrNoCredentials is returned when no resolver in a chain produced a key.
var ErrNoCredentials = errors.New("creds: no credentials available")

// Resolver produces the API key to use for a request against the given
// model. An empty key with a nil error means "proceed unauthenticated"
// (some local providers accept that).
type Resolver func(ctx context.Context, model string) (string, error)

// Static returns a resolver that always yields the given key.
func Static(key string) Resolver {
	return func(context.Context, string) (string, error) {
		return key, nil
	}
}

// FromEnv resolves from an environment variable at call time, not at
// construction, so rotated values are picked up.
func FromEnv(name string) Resolver {
	return func(context.Context, string) (string, error) {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("%w: %s not set", ErrNoCredentials, name)
	}
}

// Chain tries each resolver in order and returns the first key. A
// resolver error falls through to the next; only when all fail does the
// chain report ErrNoCredentials.
func Chain(resolvers ...Resolver) Resolver {
	return func(ctx context.Context, model string) (string, error) {
		for _, r := range resolvers {
			key, err := r(ctx, model)
			if err == nil && key != "" {
				return key, nil
			}
		}
		return "", ErrNoCredentials
	}
}

// AWS resolves credentials from the standard AWS chain (env vars,
// shared config, SSO, IMDS) and packs them into a single key string of
// the form accessKeyID:secret[:sessionToken].
func AWS(region, profile string) Resolver {
	return func(ctx context.Context, _ string) (string, error) {
		var opts []func(*awsconfig.LoadOptions) error
		if region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		if profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return "", fmt.Errorf("creds: load aws config: %w", err)
		}
		c, err := cfg.Credentials.Retrieve(ctx)
		if err != nil {
			return "", fmt.Errorf("creds: retrieve aws credentials: %w", err)
		}
		key := c.AccessKeyID + ":" + c.SecretAccessKey
		if c.SessionToken != "" {
			key += ":" + c.SessionToken
		}
		return key, nil
	}
}

// Default builds the standard resolver: explicit key if configured,
// otherwise ANTHROPIC_API_KEY from the environment — except that models
// addressed through Bedrock (a "bedrock:" prefix) always go through the
// AWS chain.
func Default(apiKey, region, profile string) Resolver {
	aws := AWS(region, profile)
	fallback := Chain(Static(apiKey), FromEnv("ANTHROPIC_API_KEY"))
	return func(ctx context.Context, model string) (string, error) {
		if strings.HasPrefix(model, "bedrock:") {
			return aws(ctx, model)
		}
		return fallback(ctx, model)
	}
}
