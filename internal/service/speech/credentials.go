package speech

import (
	"errors"
	"strings"

	speechmodel "github.com/profai/server/internal/model/speech"
)

// ErrMissingCredentials is returned before any network call when the
// Volcengine AppID or access token is absent.
var ErrMissingCredentials = errors.New("volcengine speech credentials missing: AppID and AccessToken are required")

// resolveCredentials returns the trimmed AppID and access token.
func resolveCredentials(cfg *speechmodel.SpeechConfig) (string, string, error) {
	if cfg == nil {
		return "", "", ErrMissingCredentials
	}

	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}

	if appID == "" || token == "" {
		return "", "", ErrMissingCredentials
	}

	return appID, token, nil
}
