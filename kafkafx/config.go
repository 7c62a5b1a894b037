package kafkafx

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ConfigOption configures LoadConfig
type ConfigOption func(*configSettings)

type configSettings struct {
	configFile string
	envFile    string
}

// WithConfigFile reads path (YAML, JSON or TOML by extension). A missing
// file is not an error.
func WithConfigFile(path string) ConfigOption {
	return func(s *configSettings) { s.configFile = path }
}

// WithEnvFile loads path into the process environment before binding. A
// missing file is not an error.
func WithEnvFile(path string) ConfigOption {
	return func(s *configSettings) { s.envFile = path }
}

// LoadConfig builds a viper instance from an optional config file, an
// optional .env file and the environment. Environment variables override the
// file: KAFKA_PRODUCER_BOOTSTRAP_SERVERS sets kafka.producer.bootstrap_servers.
func LoadConfig(opts ...ConfigOption) (*viper.Viper, error) {
	s := configSettings{envFile: ".env"}
	for _, opt := range opts {
		opt(&s)
	}

	if s.envFile != "" {
		if err := godotenv.Load(s.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", s.envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s.configFile != "" {
		v.SetConfigFile(s.configFile)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file %s: %w", s.configFile, err)
		}
	}

	return v, nil
}

// Bind unmarshals the section at position into a T. Every mapstructure key
// of T is bound to its environment variable first, so sections that exist
// only in the environment are picked up too.
func Bind[T any](v *viper.Viper, position string) (T, error) {
	var out T
	bindEnv(v, position, reflect.TypeOf(out))

	// UnmarshalKey only sees the config file below position; AllSettings
	// merges in the bound environment.
	merged := viper.New()
	if err := merged.MergeConfigMap(v.AllSettings()); err != nil {
		return out, fmt.Errorf("bind %s: %w", position, err)
	}
	if err := merged.UnmarshalKey(position, &out); err != nil {
		return out, fmt.Errorf("bind %s: %w", position, err)
	}
	return out, nil
}

// configured reports whether any key below position has a value.
func configured(v *viper.Viper, position string) bool {
	prefix := position + "."
	for _, key := range v.AllKeys() {
		if strings.HasPrefix(key, prefix) && v.IsSet(key) {
			return true
		}
	}
	return false
}

func bindEnv(v *viper.Viper, prefix string, t reflect.Type) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}

		name, squash := fieldKey(f)
		if squash {
			bindEnv(v, prefix, f.Type)
			continue
		}

		key := prefix + "." + name
		ft := f.Type
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		switch ft.Kind() {
		case reflect.Struct:
			bindEnv(v, key, ft)
		case reflect.Map:
			// free-form sections only come from the config file
		default:
			_ = v.BindEnv(key)
		}
	}
}

func fieldKey(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("mapstructure")
	name, opts, _ := strings.Cut(tag, ",")
	if strings.Contains(opts, "squash") {
		return "", true
	}
	if name == "" {
		name = strings.ToLower(f.Name)
	}
	return name, false
}
