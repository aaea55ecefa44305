package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to the upper-cased key of every setting.
const EnvPrefix = "DOHSINK_"

// Names the platform templates set directly.
var envAliases = map[string]string{
	"RESPONDER_FUNCTION_NAME": "responderfunction",
	"RESOLVER_URL":            "resolverurl",
}

var durationType = reflect.TypeOf(Duration{})

// applyEnv overrides settings from the environment. Aliases are applied
// first so the prefixed names win.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	fields := make(map[string]reflect.Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		fields[strings.ToLower(t.Field(i).Name)] = v.Field(i)
	}

	for env, key := range envAliases {
		if value, ok := lookup(env); ok {
			if err := setField(fields[key], value); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}

	for key, field := range fields {
		env := EnvPrefix + strings.ToUpper(key)
		if value, ok := lookup(env); ok {
			if err := setField(field, value); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}

	return nil
}

func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(Duration{d}))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	case reflect.Uint32:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Slice:
		var list []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		field.Set(reflect.ValueOf(list))
	default:
		return fmt.Errorf("unsupported setting type %s", field.Type())
	}

	return nil
}
