package product

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
)

// Setup is the decoded ProductExecutorConfig.Setup. The password is either
// read from the environment variable PasswordEnv or, for local setups,
// given inline.
type Setup struct {
	BaseURL     string            `json:"base_url"               yaml:"base_url"`
	User        string            `json:"user"                   yaml:"user"`
	PasswordEnv string            `json:"password_env,omitempty" yaml:"password_env,omitempty"`
	Password    string            `json:"password,omitempty"     yaml:"password,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"   yaml:"parameters,omitempty"`
}

// ParseSetup decodes a persisted setup. Failures wrap ErrInvalidArgument.
func ParseSetup(s string) (Setup, error) {
	var setup Setup
	if s == "" {
		return setup, nil
	}
	if err := json.Unmarshal([]byte(s), &setup); err != nil {
		return setup, fmt.Errorf("%w: decoding executor setup: %v", adapter.ErrInvalidArgument, err)
	}
	return setup, nil
}

// Encode returns the persisted form.
func (s Setup) Encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding executor setup: %w", err)
	}
	return string(b), nil
}

// Secret resolves the password.
func (s Setup) Secret() (adapter.Secret, error) {
	if s.PasswordEnv != "" {
		v, ok := os.LookupEnv(s.PasswordEnv)
		if !ok {
			return adapter.Secret{}, fmt.Errorf("%w: environment variable %s is not set", adapter.ErrInvalidArgument, s.PasswordEnv)
		}
		return adapter.NewSecret(v), nil
	}
	return adapter.NewSecret(s.Password), nil
}

// Param returns a parameter or def.
func (s Setup) Param(key, def string) string {
	if v, ok := s.Parameters[key]; ok && v != "" {
		return v
	}
	return def
}

// ParamInt64 returns a numeric parameter or def.
func (s Setup) ParamInt64(key string, def int64) (int64, error) {
	v, ok := s.Parameters[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parameter %s: %v", adapter.ErrInvalidArgument, key, err)
	}
	return n, nil
}

// ParamBool returns a boolean parameter or def.
func (s Setup) ParamBool(key string, def bool) bool {
	v, ok := s.Parameters[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
