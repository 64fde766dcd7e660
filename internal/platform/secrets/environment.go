package secrets

import (
	"strings"
	"time"

	"google.golang.org/api/option"
)

// EnvOptions derives fetcher options from the API_* environment:
//
//	API_ENVIRONMENT               label used for fallback keys and environment pins (default local)
//	API_SECRET_DEFAULT_PROJECT_ID project for unqualified secrets (default API_PROJECT_ID)
//	API_SECRET_PROJECT_IDS        env=project pairs, e.g. "prod=wf-prod,staging=wf-stg"
//	API_SECRET_VERSION_PINS       [env:]name=version pairs, e.g. "prod:stripe/api-key=7"
//	API_SECRETS_FALLBACK_FILE     local dotenv-style fallback (default .secrets.local)
//	API_SECRETS_CACHE_TTL         Go duration
//	API_GOOGLE_CREDENTIALS_FILE   service account key for Secret Manager
func EnvOptions(env map[string]string) []Option {
	get := func(key string) string { return strings.TrimSpace(env[key]) }

	label := strings.ToLower(get("API_ENVIRONMENT"))
	if label == "" {
		label = "local"
	}
	fallback := get("API_SECRETS_FALLBACK_FILE")
	if fallback == "" {
		fallback = ".secrets.local"
	}
	opts := []Option{WithEnvironment(label), WithFallbackFile(fallback)}

	project := get("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = get("API_PROJECT_ID")
	}
	if project != "" {
		opts = append(opts, WithDefaultProject(project))
	}
	if projects := pairs(get("API_SECRET_PROJECT_IDS"), strings.ToLower); len(projects) > 0 {
		opts = append(opts, WithProjectMap(projects))
	}
	if pins := versionPins(get("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, WithVersionPins(pins))
	}
	if ttl, err := time.ParseDuration(get("API_SECRETS_CACHE_TTL")); err == nil && ttl > 0 {
		opts = append(opts, WithCacheTTL(ttl))
	}
	if file := get("API_GOOGLE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, WithClientOptions(option.WithCredentialsFile(file)))
	}
	return opts
}

// versionPins keys each pin the way Fetcher.version looks it up: "env:secret://name" or
// "secret://name".
func versionPins(raw string) map[string]string {
	out := make(map[string]string)
	for name, version := range pairs(raw, nil) {
		var env string
		if head, rest, ok := strings.Cut(name, ":"); ok && !strings.HasPrefix(rest, "//") {
			env, name = strings.ToLower(strings.TrimSpace(head))+":", strings.TrimSpace(rest)
		}
		ref, err := parseReference(asReference(name))
		if err != nil {
			continue
		}
		out[env+ref.canonical] = version
	}
	return out
}

func asReference(name string) string {
	if strings.Contains(name, "://") {
		return name
	}
	return "secret://" + name
}

// pairs parses "a=b,c=d", skipping entries without both halves.
func pairs(raw string, normaliseKey func(string) string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if normaliseKey != nil {
			key = normaliseKey(key)
		}
		if ok && key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}
