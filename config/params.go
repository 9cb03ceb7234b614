// Package config handles generic, variant-based key/value configuration
// Params, a map[string]string that callers can set from a CLI flag or a
// config file, and that components pop typed values out of.
package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params represent generic configuration parameters, e.g. parsed from a
// comma-separated "key=value,key2=value2" string.
type Params map[string]string

// NewFromConfigString creates Params from a user's configuration string,
// e.g. "N=5000,num_gens=1,enable_sequential_halving".
func NewFromConfigString(cfg string) Params {
	params := make(Params)
	if cfg == "" {
		return params
	}
	for _, part := range strings.Split(cfg, ",") {
		subParts := strings.SplitN(part, "=", 2)
		if len(subParts) == 1 {
			params[subParts[0]] = ""
		} else {
			params[subParts[0]] = subParts[1]
		}
	}
	return params
}

// PopParamOr is like GetParamOr, but it also deletes the retrieved parameter
// from params. Useful for components that want to detect, at the end of
// construction, whether any parameter was left unconsumed (a likely typo).
func PopParamOr[T interface {
	bool | int | int64 | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is
// present, or returns defaultValue if not.
//
// For bool types, a key present with no value ("flag" as opposed to
// "flag=true") is interpreted as true.
func GetParamOr[T interface {
	bool | int | int64 | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	vAny := (any)(defaultValue)
	var zero T
	toT := func(v any) T { return v.(T) }
	switch vAny.(type) {
	case string:
		if value, exists := params[key]; exists {
			return toT(value), nil
		}
	case int:
		if value, exists := params[key]; exists && value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return zero, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
			}
			return toT(parsed), nil
		}
	case int64:
		if value, exists := params[key]; exists && value != "" {
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return zero, errors.Wrapf(err, "failed to parse configuration %s=%q to int64", key, value)
			}
			return toT(parsed), nil
		}
	case float32:
		if value, exists := params[key]; exists && value != "" {
			parsed, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return zero, errors.Wrapf(err, "failed to parse configuration %s=%q to float32", key, value)
			}
			return toT(float32(parsed)), nil
		}
	case float64:
		if value, exists := params[key]; exists && value != "" {
			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return zero, errors.Wrapf(err, "failed to parse configuration %s=%q to float64", key, value)
			}
			return toT(parsed), nil
		}
	case bool:
		if value, exists := params[key]; exists {
			if value == "" || strings.ToLower(value) == "true" || value == "1" {
				return toT(true), nil
			}
			if strings.ToLower(value) == "false" || value == "0" {
				return toT(false), nil
			}
			return defaultValue, errors.Errorf("failed to parse configuration %s=%q as bool", key, value)
		}
	}
	return defaultValue, nil
}
