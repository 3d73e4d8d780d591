package appsignal

import (
	"strings"

	"go.uber.org/zap"
)

const missingTokenMessage = "AppSignal API token not configured. Please set APPSIGNAL_API_TOKEN environment variable."

// ResolveToken returns the configured API token or a *ConfigurationError.
func ResolveToken(token string, logger *zap.Logger) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		if logger != nil {
			logger.Error("AppSignal credentials not configured")
		}
		return "", &ConfigurationError{Message: missingTokenMessage}
	}
	return token, nil
}
