package engine

import (
	"github.com/fyrsmithlabs/consensusd/internal/config"
	"github.com/fyrsmithlabs/consensusd/internal/secrets"
)

// newSecretScanner builds the gitleaks detector with the user allowlist at
// path, if any. Repository allowlists are not merged because one engine
// serves many repositories.
func newSecretScanner(path string) (*secrets.Detector, error) {
	if path != "" {
		expanded, err := config.ExpandPath(path)
		if err != nil {
			return nil, err
		}
		path = expanded
	}
	allow, err := secrets.LoadAllowlists("", path)
	if err != nil {
		return nil, err
	}
	return secrets.NewDetector(allow)
}
