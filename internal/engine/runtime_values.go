package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"enclaverun/internal/enclave"
)

const (
	placeholderPrefix = "{{enclaverun:"
	placeholderSuffix = "}}"
	ipAddressField    = "ip_address"
)

var placeholderRe = regexp.MustCompile(`\{\{enclaverun:([A-Za-z0-9_.\-]+)\}\}`)

// placeholder returns the magic string standing in for a value only known at
// execution time.
func placeholder(key string) string {
	return placeholderPrefix + key + placeholderSuffix
}

func ipPlaceholder(service string) string {
	return placeholder(service + "." + ipAddressField)
}

// RuntimeValues stores values produced by executed instructions so later
// instructions and the run output can refer to them.
type RuntimeValues struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewRuntimeValues creates an empty store.
func NewRuntimeValues() *RuntimeValues {
	return &RuntimeValues{values: make(map[string]string)}
}

// Set records a value.
func (r *RuntimeValues) Set(key, value string) {
	r.mu.Lock()
	r.values[key] = value
	r.mu.Unlock()
}

// Get returns a recorded value.
func (r *RuntimeValues) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Replace substitutes every placeholder in s. Service IP addresses are looked
// up on the backend; every other key must have been recorded.
func (r *RuntimeValues) Replace(ctx context.Context, backend enclave.Backend, s string) (string, error) {
	if !strings.Contains(s, placeholderPrefix) {
		return s, nil
	}
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		key := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := r.Get(key); ok {
			return v
		}
		if service, ok := strings.CutSuffix(key, "."+ipAddressField); ok && backend != nil {
			svc, err := backend.GetService(ctx, service)
			if err != nil {
				firstErr = fmt.Errorf("resolve IP address of service '%s': %w", service, err)
				return match
			}
			return svc.IPAddress
		}
		firstErr = fmt.Errorf("runtime value '%s' is not available yet", key)
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ReplaceAll applies Replace to every element.
func (r *RuntimeValues) ReplaceAll(ctx context.Context, backend enclave.Backend, in []string) ([]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		replaced, err := r.Replace(ctx, backend, s)
		if err != nil {
			return nil, err
		}
		out[i] = replaced
	}
	return out, nil
}

// ReplaceBestEffort substitutes what it can and leaves unknown placeholders as is.
func (r *RuntimeValues) ReplaceBestEffort(ctx context.Context, backend enclave.Backend, s string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		replaced, err := r.Replace(ctx, backend, match)
		if err != nil {
			return match
		}
		return replaced
	})
}

// ReplaceInJSON is ReplaceBestEffort for a JSON document: substituted values
// are escaped so the document stays valid.
func (r *RuntimeValues) ReplaceInJSON(ctx context.Context, backend enclave.Backend, doc string) string {
	return placeholderRe.ReplaceAllStringFunc(doc, func(match string) string {
		replaced, err := r.Replace(ctx, backend, match)
		if err != nil {
			return match
		}
		quoted, err := json.Marshal(replaced)
		if err != nil {
			return match
		}
		return string(quoted[1 : len(quoted)-1])
	})
}
