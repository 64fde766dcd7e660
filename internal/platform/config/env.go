package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// environment is the merged key space Load reads from. Later layers win:
// dotenv file, then process environment, then the explicit WithEnvMap values.
type environment map[string]string

func newEnvironment(o loaderOptions) (environment, error) {
	env := environment{}
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	env.overlay(dotenv)
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if key = strings.TrimSpace(key); ok && key != "" {
				env[key] = value
			}
		}
	}
	env.overlay(o.envMap)
	return env, nil
}

func (e environment) overlay(values map[string]string) {
	for key, value := range values {
		e[key] = value
	}
}

func (e environment) str(key, fallback string) string {
	if value := strings.TrimSpace(e[key]); value != "" {
		return value
	}
	return fallback
}

// duration accepts Go duration syntax; unparsable values keep the default.
func (e environment) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(e[key])); err == nil {
		return d
	}
	return fallback
}

func (e environment) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(e[key])); err == nil {
		return n
	}
	return fallback
}

// readDotEnv loads local overrides. A missing file is normal outside development.
func readDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}
