package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

var durationType = reflect.TypeOf(time.Duration(0))

// ApplyEnv overrides fields from variables named PREFIX_SECTION_KEY,
// e.g. OFFLOAD_HEALTH_HEARTBEAT_TTL. Lists are comma separated.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	return applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, lookup)
}

// EnvNames lists every variable ApplyEnv consults.
func EnvNames() []string {
	var names []string
	collectNames(reflect.TypeOf(Config{}), EnvPrefix, &names)
	return names
}

func applyEnv(value reflect.Value, prefix string, lookup LookupFunc) error {
	typ := value.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		name := envName(prefix, field)
		if name == "" {
			continue
		}

		target := value.Field(i)
		if field.Type.Kind() == reflect.Struct {
			if err := applyEnv(target, name, lookup); err != nil {
				return err
			}
			continue
		}

		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(target, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

func collectNames(typ reflect.Type, prefix string, names *[]string) {
	for i := range typ.NumField() {
		field := typ.Field(i)
		name := envName(prefix, field)
		if name == "" {
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			collectNames(field.Type, name, names)
			continue
		}
		*names = append(*names, name)
	}
}

func envName(prefix string, field reflect.StructField) string {
	tag := strings.Split(field.Tag.Get("yaml"), ",")[0]
	if tag == "" || tag == "-" {
		return ""
	}
	return prefix + "_" + strings.ToUpper(tag)
}

func setField(target reflect.Value, raw string) error {
	if target.Type() == durationType {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		target.SetInt(int64(parsed))
		return nil
	}

	switch target.Kind() {
	case reflect.String:
		target.SetString(raw)
	case reflect.Int, reflect.Int64:
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		target.SetInt(parsed)
	case reflect.Float64:
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		target.SetFloat(parsed)
	case reflect.Bool:
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		target.SetBool(parsed)
	case reflect.Slice:
		if target.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", target.Type())
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		target.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", target.Type())
	}
	return nil
}
