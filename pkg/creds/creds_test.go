package creds

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStatic(t *testing.T) {
	key, err := Static("sk-abc")(context.Background(), "any-model")
	if err != nil || key != "sk-abc" {
		t.Errorf("got %q/%v", key, err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TEST_CREDS_KEY", "sk-env")
	key, err := FromEnv("TEST_CREDS_KEY")(context.Background(), "m")
	if err != nil || key != "sk-env" {
		t.Errorf("got %q/%v", key, err)
	}

	t.Setenv("TEST_CREDS_KEY", "")
	if _, err := FromEnv("TEST_CREDS_KEY")(context.Background(), "m"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("unset var: err = %v, want ErrNoCredentials", err)
	}
}

func TestChain(t *testing.T) {
	failing := func(context.Context, string) (string, error) {
		return "", fmt.Errorf("nope")
	}
	empty := Static("")

	key, err := Chain(failing, empty, Static("sk-third"))(context.Background(), "m")
	if err != nil || key != "sk-third" {
		t.Errorf("got %q/%v, want first usable key", key, err)
	}

	if _, err := Chain(failing, empty)(context.Background(), "m"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("exhausted chain: err = %v, want ErrNoCredentials", err)
	}
}

func TestDefaultPrefersExplicitKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	key, err := Default("sk-explicit", "", "")(context.Background(), "claude-sonnet-4-5")
	if err != nil || key != "sk-explicit" {
		t.Errorf("got %q/%v", key, err)
	}
}

func TestDefaultFallsBackToEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	key, err := Default("", "", "")(context.Background(), "claude-sonnet-4-5")
	if err != nil || key != "sk-env" {
		t.Errorf("got %q/%v", key, err)
	}
}
