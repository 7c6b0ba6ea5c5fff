// Package auth provides the optional static API-key gate in front of the
// question endpoints. It is off by default; the demo UI assumes no key.
package auth

import (
	"context"
	"fmt"
	"strings"
)

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) bool
}

// StaticAPIKeyValidator accepts a fixed comma-separated key list from
// configuration.
type StaticAPIKeyValidator struct {
	keys map[string]struct{}
}

func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]struct{}{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		key := strings.TrimSpace(entry)
		if key == "" {
			return nil, fmt.Errorf("invalid static key list: empty key entry")
		}
		validator.keys[key] = struct{}{}
	}
	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) bool {
	_, ok := v.keys[apiKey]
	return ok
}
