package config

import (
	"errors"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var defaultEnvLoaded sync.Once

// Option tunes a single Load call.
type Option func(*options)

type options struct {
	prefix      string
	files       []string
	environment map[string]string
}

// WithPrefix prepends prefix to every env tag, e.g. "ENTITLEMENTS_".
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithEnvFiles reads the given dotenv files and overlays them on the process
// environment for this call only. Later files take precedence.
func WithEnvFiles(paths ...string) Option {
	return func(o *options) { o.files = append(o.files, paths...) }
}

// WithEnvironment replaces the process environment with vars for this call.
func WithEnvironment(vars map[string]string) Option {
	return func(o *options) { o.environment = maps.Clone(vars) }
}

// Load parses environment variables into v based on its `env` struct tags.
//
// The default .env file in the working directory is loaded into the process
// environment once per process; a missing file is not an error. Unlike a
// cached loader, each call parses afresh so two engine sessions may load
// different configs side by side.
//
//	type Config struct {
//		SubscriptionTTL time.Duration `env:"SUBSCRIPTION_TTL" envDefault:"5m"`
//	}
//
//	var cfg Config
//	err := config.Load(&cfg, config.WithPrefix("ENTITLEMENTS_"))
func Load[T any](v *T, opts ...Option) error {
	if v == nil {
		return ErrNilPointer
	}

	defaultEnvLoaded.Do(func() {
		_ = godotenv.Load()
	})

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	vars := o.environment
	if vars == nil {
		vars = environ()
	}
	if len(o.files) > 0 {
		fileVars, err := godotenv.Read(o.files...)
		if err != nil {
			return errors.Join(ErrEnvFile, err)
		}
		maps.Copy(vars, fileVars)
	}

	if err := env.ParseWithOptions(v, env.Options{
		Prefix:      o.prefix,
		Environment: vars,
	}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad is like Load but panics on error.
func MustLoad[T any](v *T, opts ...Option) {
	if err := Load(v, opts...); err != nil {
		panic(err)
	}
}

func environ() map[string]string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, val, ok := strings.Cut(kv, "="); ok {
			vars[k] = val
		}
	}
	return vars
}
