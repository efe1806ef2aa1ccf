package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigProvider layers defaults, the config file, environment variables and
// changed command-line flags, in increasing precedence.
type ConfigProvider struct {
	loader *ViperLoader
	v      *viper.Viper
	flags  *pflag.FlagSet
}

func NewConfigProvider(configFile, envPrefix string) *ConfigProvider {
	return &ConfigProvider{
		loader: NewViperLoader(configFile, envPrefix),
		v:      viper.New(),
	}
}

// WithFlags overlays every changed flag registered by RegisterFlagsFromStruct.
func (p *ConfigProvider) WithFlags(flags *pflag.FlagSet) *ConfigProvider {
	p.flags = flags
	return p
}

// ConfigFile returns the path to the config file that was loaded, or empty string if none.
func (p *ConfigProvider) ConfigFile() string {
	if p.loader == nil {
		return ""
	}
	return p.loader.configFile
}

// AllSettings returns the effective merged settings currently held by the provider.
func (p *ConfigProvider) AllSettings() map[string]interface{} {
	if p == nil || p.v == nil {
		return map[string]interface{}{}
	}
	return p.v.AllSettings()
}

// Load fills core and validates it.
func (p *ConfigProvider) Load(core *Config) error {
	if core == nil {
		return fmt.Errorf("config target must be a non-nil pointer")
	}
	p.v = viper.New()
	if err := p.loader.read(p.v); err != nil {
		return err
	}
	if p.flags != nil {
		if err := applyFlags(p.v, p.flags, core); err != nil {
			return err
		}
	}
	if err := p.v.Unmarshal(core); err != nil {
		return fmt.Errorf("failed to unmarshal core config: %w", err)
	}
	if err := p.loader.Validate(core); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// RegisterFlagsFromStruct registers a flag for every field carrying a flag
// tag. Flag defaults are the target's current field values.
func RegisterFlagsFromStruct(flags *pflag.FlagSet, target interface{}) error {
	fields, err := collectConfigFields(target)
	if err != nil {
		return err
	}
	elem := reflect.ValueOf(target).Elem()

	for _, field := range fields {
		if field.Flag == "" || flags.Lookup(field.Flag) != nil {
			continue
		}
		usage := field.Usage
		if usage == "" {
			usage = "configuration override"
		}
		current := elem.FieldByIndex(field.Index)

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(field.Flag, current.String(), usage)
		case reflect.Bool:
			flags.Bool(field.Flag, current.Bool(), usage)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if isDurationType(field.Type) {
				flags.Duration(field.Flag, time.Duration(current.Int()), usage)
			} else {
				flags.Int64(field.Flag, current.Int(), usage)
			}
		case reflect.Float32, reflect.Float64:
			flags.Float64(field.Flag, current.Float(), usage)
		case reflect.Slice:
			if field.Type.Elem().Kind() == reflect.String {
				flags.StringSlice(field.Flag, current.Interface().([]string), usage)
			}
		default:
			return fmt.Errorf("unsupported flag type %s for --%s", field.Type, field.Flag)
		}
	}

	return nil
}

type configField struct {
	Key   string
	Flag  string
	Usage string
	Type  reflect.Type
	Index []int
}

func applyFlags(v *viper.Viper, flags *pflag.FlagSet, target interface{}) error {
	fields, err := collectConfigFields(target)
	if err != nil {
		return err
	}
	for _, field := range fields {
		if field.Flag == "" {
			continue
		}
		flag := flags.Lookup(field.Flag)
		if flag == nil || !flag.Changed {
			continue
		}

		parsed, err := parseStringByType(flag.Value.String(), field.Type)
		if err != nil {
			return fmt.Errorf("invalid value for --%s: %w", field.Flag, err)
		}
		v.Set(field.Key, parsed)
	}
	return nil
}

func collectConfigFields(target interface{}) ([]configField, error) {
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Ptr || value.IsNil() {
		return nil, fmt.Errorf("config target must be a non-nil pointer")
	}
	elem := value.Elem()
	if elem.Kind() != reflect.Struct {
		return nil, fmt.Errorf("config target must point to a struct")
	}

	fields := make([]configField, 0, elem.NumField())
	collectFieldsRecursive(elem.Type(), "", nil, &fields)
	return fields, nil
}

func collectFieldsRecursive(structType reflect.Type, prefix string, index []int, out *[]configField) {
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if field.PkgPath != "" {
			continue
		}
		mapKey, skip := parseMapstructureTag(field.Tag.Get("mapstructure"))
		if skip {
			continue
		}
		if mapKey == "" {
			mapKey = toSnakeCase(field.Name)
		}

		fullKey := mapKey
		if prefix != "" {
			fullKey = prefix + "." + mapKey
		}
		fieldIndex := append(append([]int(nil), index...), i)

		fieldType := field.Type
		if fieldType.Kind() == reflect.Struct && !isDurationType(fieldType) {
			collectFieldsRecursive(fieldType, fullKey, fieldIndex, out)
			continue
		}

		*out = append(*out, configField{
			Key:   fullKey,
			Flag:  strings.TrimSpace(field.Tag.Get("flag")),
			Usage: strings.TrimSpace(field.Tag.Get("flag_usage")),
			Type:  fieldType,
			Index: fieldIndex,
		})
	}
}

func isDurationType(t reflect.Type) bool {
	return t.PkgPath() == "time" && t.Name() == "Duration"
}

func parseStringByType(value string, fieldType reflect.Type) (interface{}, error) {
	trimmed := strings.TrimSpace(value)
	switch fieldType.Kind() {
	case reflect.String:
		return trimmed, nil
	case reflect.Bool:
		if trimmed == "" {
			return false, nil
		}
		parsed, err := strconv.ParseBool(trimmed)
		if err != nil {
			return nil, err
		}
		return parsed, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if isDurationType(fieldType) {
			if trimmed == "" {
				return time.Duration(0), nil
			}
			parsed, err := time.ParseDuration(trimmed)
			if err != nil {
				return nil, err
			}
			return parsed, nil
		}
		if trimmed == "" {
			return int64(0), nil
		}
		parsed, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, err
		}
		return parsed, nil
	case reflect.Float32, reflect.Float64:
		if trimmed == "" {
			return float64(0), nil
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, err
		}
		return parsed, nil
	case reflect.Slice:
		if fieldType.Elem().Kind() == reflect.String {
			return parseStringSlice(trimmed), nil
		}
	}
	return nil, fmt.Errorf("unsupported field type %s", fieldType.String())
}

func parseStringSlice(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return []string{}
	}

	normalized := strings.TrimPrefix(strings.TrimSuffix(trimmed, "]"), "[")
	normalized = strings.NewReplacer(",", " ", ";", " ", "\n", " ", "\t", " ").Replace(normalized)
	parts := strings.Fields(normalized)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			result = append(result, value)
		}
	}
	return result
}

func parseMapstructureTag(tag string) (string, bool) {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return "", false
	}
	parts := strings.Split(trimmed, ",")
	key := strings.TrimSpace(parts[0])
	if key == "-" {
		return "", true
	}
	return key, false
}

func toSnakeCase(input string) string {
	if input == "" {
		return input
	}
	var out strings.Builder
	out.Grow(len(input) + 8)
	for index, runeValue := range input {
		if index > 0 && isWordBoundary(input, index, runeValue) {
			out.WriteByte('_')
		}
		out.WriteRune(unicode.ToLower(runeValue))
	}
	return out.String()
}

func isWordBoundary(value string, index int, r rune) bool {
	if !unicode.IsUpper(r) {
		return false
	}
	prev := rune(value[index-1])
	if unicode.IsUpper(prev) {
		if index+1 < len(value) {
			next := rune(value[index+1])
			return unicode.IsLower(next)
		}
		return false
	}
	return true
}
