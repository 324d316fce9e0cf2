package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds path and content patterns excluded from detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// Empty reports whether the allowlist has no patterns.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.Paths) == 0 && len(a.Regexes) == 0)
}

// LoadAllowlists merges the repository's .gitleaks.toml with a user file.
// Missing files are skipped; malformed ones are errors.
func LoadAllowlists(repoRoot, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}
	var files []string
	if repoRoot != "" {
		files = append(files, filepath.Join(repoRoot, ".gitleaks.toml"))
	}
	if userPath != "" {
		files = append(files, userPath)
	}

	for _, f := range files {
		a, err := loadTOML(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		merged.Paths = append(merged.Paths, a.Paths...)
		merged.Regexes = append(merged.Regexes, a.Regexes...)
	}
	return merged, nil
}

func loadTOML(path string) (*Allowlist, error) {
	var file struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, p := range append(append([]string{}, file.Allowlist.Paths...), file.Allowlist.Regexes...) {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	return &Allowlist{Paths: file.Allowlist.Paths, Regexes: file.Allowlist.Regexes}, nil
}
