package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// secretRef matches a whole-value reference such as ${env:NAME} or
// ${file:/run/secrets/key}. Bare ${NAME} is handled by env expansion.
var secretRef = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// SecretProvider resolves references for one scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// SecretRegistry maps schemes to providers.
type SecretRegistry struct {
	mu        sync.RWMutex
	providers map[string]SecretProvider
}

// NewSecretRegistry returns a registry with the env and file providers.
func NewSecretRegistry() *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(EnvProvider{})
	r.Register(FileProvider{})
	return r
}

// Register adds or replaces the provider for its scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.mu.Lock()
	r.providers[p.Scheme()] = p
	r.mu.Unlock()
}

// Resolve looks up ref with the provider registered for scheme.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, ref string) (string, error) {
	r.mu.RLock()
	p, ok := r.providers[scheme]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown secret scheme %q", scheme)
	}
	return p.Resolve(ctx, ref)
}

// EnvProvider resolves ${env:NAME}. Unset variables are an error.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", ref)
	}
	return v, nil
}

// FileProvider resolves ${file:/path}, trimming trailing newlines.
type FileProvider struct{}

func (FileProvider) Scheme() string { return "file" }

func (FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// resolveSecrets replaces every string field of cfg that is a secret
// reference with the resolved value. The first failure is returned.
func resolveSecrets(ctx context.Context, cfg *Config, reg *SecretRegistry) error {
	var firstErr error
	walkStrings(reflect.ValueOf(cfg), "", func(field reflect.Value, path string) {
		if firstErr != nil {
			return
		}
		m := secretRef.FindStringSubmatch(field.String())
		if m == nil {
			return
		}
		v, err := reg.Resolve(ctx, m[1], m[2])
		if err != nil {
			firstErr = fmt.Errorf("%s: resolving ${%s:%s}: %w", path, m[1], m[2], err)
			return
		}
		field.SetString(v)
	})
	return firstErr
}

// walkStrings calls fn for every settable string reachable from v through
// structs, pointers, slices and maps. Map values are copied, walked and
// stored back since they are not addressable.
func walkStrings(v reflect.Value, path string, fn func(reflect.Value, string)) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			walkStrings(v.Elem(), path, fn)
		}
	case reflect.String:
		if v.CanSet() {
			fn(v, path)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			name := t.Field(i).Name
			if path != "" {
				name = path + "." + name
			}
			walkStrings(v.Field(i), name, fn)
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			walkStrings(v.Index(i), fmt.Sprintf("%s[%d]", path, i), fn)
		}
	case reflect.Map:
		if v.IsNil() {
			return
		}
		for _, key := range v.MapKeys() {
			cp := reflect.New(v.Type().Elem()).Elem()
			cp.Set(v.MapIndex(key))
			walkStrings(cp, fmt.Sprintf("%s[%v]", path, key), fn)
			v.SetMapIndex(key, cp)
		}
	}
}
