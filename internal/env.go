package internal

import (
	"os"
	"strings"
)

// IsDevelopmentMode checks if we're running in development mode
// where CORS and admin auth requirements are relaxed
func IsDevelopmentMode() bool {
	env := strings.ToLower(os.Getenv("MCP_GATEWAY_ENV"))
	return env == "development" || env == "dev"
}

// IsEnterpriseMode reports whether the gateway is deployed under a Hub that
// enforces a catalog. Outside enterprise mode every backend is approved.
func IsEnterpriseMode() bool {
	return strings.ToLower(strings.TrimSpace(os.Getenv("MCP_GATEWAY_DEPLOYMENT"))) == "enterprise"
}
