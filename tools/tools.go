//go:build tools

// Package tools pins the lint, format and vulnerability checkers run against the API module.
// Install them from this module, e.g. `go install github.com/golangci/golangci-lint/cmd/golangci-lint`.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
	_ "honnef.co/go/tools/cmd/staticcheck"
	_ "mvdan.cc/gofumpt"
)
