package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type mapBackend map[string]string

func (mapBackend) Scheme() string { return "test" }

func (m mapBackend) Lookup(_ context.Context, ref string) (string, error) {
	v, ok := m[ref]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func TestResolve_Literal(t *testing.T) {
	r := NewResolver()
	for _, v := range []string{"sk-plain", "https://api.openai.com", "postgres://u:p@h/db"} {
		got, err := r.Resolve(context.Background(), v)
		if err != nil {
			t.Fatalf("%q: %v", v, err)
		}
		if got != v {
			t.Errorf("got %q, want %q unchanged", got, v)
		}
	}
}

func TestResolve_Env(t *testing.T) {
	t.Setenv("KODO_TEST_SECRET", "s3cret")
	r := NewResolver()

	got, err := r.Resolve(context.Background(), "env://KODO_TEST_SECRET")
	if err != nil {
		t.Fatal(err)
	}
	if got != "s3cret" {
		t.Errorf("got %q, want %q", got, "s3cret")
	}

	t.Setenv("KODO_TEST_SECRET", "")
	_, err = r.Resolve(context.Background(), "env://KODO_TEST_SECRET")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unset variable: got %v, want ErrNotFound", err)
	}
	_, err = r.Resolve(context.Background(), "env://")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("empty reference: got %v, want ErrNotFound", err)
	}
}

func TestResolve_CustomBackend(t *testing.T) {
	r := NewResolver(mapBackend{"a": "1"})
	got, err := r.Resolve(context.Background(), "test://a")
	if err != nil || got != "1" {
		t.Fatalf("got %q, %v, want 1", got, err)
	}
	if _, err := r.Resolve(context.Background(), "test://b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestResolveFields(t *testing.T) {
	r := NewResolver(mapBackend{"key": "sk-1"})
	apiKey := "test://key"
	literal := "plain"
	empty := ""
	err := r.ResolveFields(context.Background(), map[string]*string{
		"providers.openai.api_key": &apiKey,
		"sandbox.e2b.api_key":      &literal,
		"storage.postgres.dsn":     &empty,
		"unset":                    nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	if apiKey != "sk-1" || literal != "plain" || empty != "" {
		t.Errorf("got %q %q %q, want sk-1 plain and empty", apiKey, literal, empty)
	}

	missing := "test://nope"
	err = r.ResolveFields(context.Background(), map[string]*string{"redis.password": &missing})
	if err == nil || !strings.Contains(err.Error(), "redis.password") {
		t.Errorf("got %v, want error naming the field", err)
	}
	if missing != "test://nope" {
		t.Errorf("failed field was modified: %q", missing)
	}
}
