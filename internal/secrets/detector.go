package secrets

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is a detected secret.
type Finding struct {
	RuleID   string
	RuleDesc string
	Line     int
	StartCol int
	EndCol   int
	Match    string
}

// Detector scans content for secrets. Building the Gitleaks rule set is
// expensive, so one Detector is created at startup and shared.
type Detector struct {
	mu       sync.Mutex
	detector *detect.Detector
	paths    []*regexp.Regexp
}

// NewDetector builds a Detector with the default Gitleaks rules plus the
// given allowlist, which may be nil.
func NewDetector(allowlist *Allowlist) (*Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}

	out := &Detector{detector: d}
	if !allowlist.Empty() {
		global := &gitleaksConfig.Allowlist{Description: "consensusd allowlist"}
		for _, p := range allowlist.Regexes {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
			}
			global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		global.StopWords = append(global.StopWords, allowlist.Regexes...)
		d.Config.Allowlists = append(d.Config.Allowlists, global)

		for _, p := range allowlist.Paths {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
			}
			out.paths = append(out.paths, re)
		}
	}
	return out, nil
}

// Detect returns the secrets found in content destined for path. Paths
// matched by the allowlist are not scanned.
func (d *Detector) Detect(path, content string) []Finding {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	for _, re := range d.paths {
		if re.MatchString(path) {
			return nil
		}
	}

	d.mu.Lock()
	found := d.detector.DetectString(content)
	d.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    f.Secret,
		})
	}
	return out
}

// Redact replaces every finding's match in content.
func Redact(content string, findings []Finding) string {
	for _, f := range findings {
		if f.Match == "" {
			continue
		}
		content = strings.ReplaceAll(content, f.Match, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}
