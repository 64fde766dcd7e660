package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// fallbackFile serves secrets from a local KEY=VALUE file when Secret Manager cannot be reached.
// Keys are secret references, optionally versioned (secret://stripe_api_key?version=3=sk_...).
type fallbackFile struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref reference, version string) (string, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", f.err
	}
	if value, ok := f.values[versionedKey(ref.canonical, version)]; ok {
		return value, nil
	}
	if value, ok := f.values[ref.canonical]; ok {
		return value, nil
	}
	return "", fmt.Errorf("secrets: %s not present in fallback file", ref.canonical)
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	if strings.TrimSpace(f.path) == "" {
		return
	}
	file, err := os.Open(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.err = fmt.Errorf("secrets: open fallback file %s: %w", f.path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// The value may itself contain '=', so split on the last separator after the reference.
		key, value, ok := splitFallbackLine(line)
		if !ok {
			continue
		}
		ref, err := parseReference(key)
		if err != nil {
			continue
		}
		f.values[ref.canonical] = value
		version := ref.version
		if version == "" {
			version = latestVersion
		}
		f.values[versionedKey(ref.canonical, version)] = value
	}
	if err := scanner.Err(); err != nil {
		f.err = fmt.Errorf("secrets: read fallback file %s: %w", f.path, err)
	}
}

// splitFallbackLine separates "secret://name[?version=N]=value". The query's own '=' is skipped.
func splitFallbackLine(line string) (string, string, bool) {
	start := 0
	if q := strings.Index(line, "?"); q >= 0 && q < strings.Index(line, "=") {
		if eq := strings.Index(line[q:], "="); eq >= 0 {
			start = q + eq + 1
		}
	}
	idx := strings.Index(line[start:], "=")
	if idx < 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:start+idx])
	value := strings.TrimSpace(line[start+idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}
