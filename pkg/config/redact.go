package config

import (
	"net/url"
	"reflect"
	"time"
)

const redactedValue = "***"

var durationType = reflect.TypeOf(time.Duration(0))

// Redacted returns the configuration as a nested settings map keyed like the config file, ready to
// be marshalled for display. Fields tagged redact:"true" are masked, URLs tagged redact:"url" lose
// their password, and every value also present in secrets (as returned by LoadWithSecrets) is masked.
func (c *Config) Redacted(secrets *Config) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	mask := reflect.Value{}
	if secrets != nil {
		mask = reflect.ValueOf(secrets).Elem()
	}
	settings, _ := settingsValue(reflect.ValueOf(c).Elem(), mask, "").(map[string]any)
	return settings
}

func settingsValue(v, mask reflect.Value, redact string) any {
	if v.Type() == durationType {
		if shouldRedact(mask) {
			return redactedValue
		}
		return time.Duration(v.Int()).String()
	}

	switch v.Kind() {
	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name := field.Name
			if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
				name = tag
			}
			fieldMask := reflect.Value{}
			if mask.IsValid() {
				fieldMask = mask.Field(i)
			}
			out[name] = settingsValue(v.Field(i), fieldMask, field.Tag.Get("redact"))
		}
		return out
	case reflect.Slice:
		out := make([]any, 0, v.Len())
		for j := 0; j < v.Len(); j++ {
			elemMask := reflect.Value{}
			if mask.IsValid() && j < mask.Len() {
				elemMask = mask.Index(j)
			}
			out = append(out, settingsValue(v.Index(j), elemMask, redact))
		}
		return out
	case reflect.Map:
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			entryMask := reflect.Value{}
			if mask.IsValid() {
				entryMask = mask.MapIndex(iter.Key())
			}
			out[key] = settingsValue(iter.Value(), entryMask, redact)
		}
		return out
	case reflect.String:
		value := v.String()
		switch {
		case value == "":
			return value
		case shouldRedact(mask), redact == "true":
			return redactedValue
		case redact == "url":
			return redactURL(value)
		default:
			return value
		}
	default:
		if shouldRedact(mask) {
			return redactedValue
		}
		return v.Interface()
	}
}

// redactURL masks the password of a URL, or the whole value when it does not parse.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return redactedValue
	}
	return parsed.Redacted()
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	default:
		return false
	}
}
