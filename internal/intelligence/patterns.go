package intelligence

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

type contentRule struct {
	re          *regexp.Regexp
	kind        operation.PatternType
	severity    operation.Severity
	description string
	mitigation  string
}

var contentRules = []contentRule{
	{regexp.MustCompile(`rm\s+-rf\s+/(\s|$|\*)`), operation.PatternDataLoss, operation.SeverityCritical,
		"recursive delete of filesystem root", "scope the delete to a project directory"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`), operation.PatternResourceExhaustion, operation.SeverityCritical,
		"fork bomb", "remove the construct"},
	{regexp.MustCompile(`\beval\s*\(`), operation.PatternSecurityVulnerability, operation.SeverityHigh,
		"dynamic code evaluation", "avoid eval on untrusted input"},
	{regexp.MustCompile(`os\.system\s*\(|shell\s*=\s*True`), operation.PatternSecurityVulnerability, operation.SeverityHigh,
		"shell command execution", "pass arguments without a shell"},
	{regexp.MustCompile(`InsecureSkipVerify:\s*true`), operation.PatternSecurityVulnerability, operation.SeverityHigh,
		"TLS verification disabled", "keep certificate verification on"},
	{regexp.MustCompile(`chmod\s+(-R\s+)?777|0o?777\b`), operation.PatternSecurityVulnerability, operation.SeverityMedium,
		"world-writable permissions", "use the narrowest mode that works"},
	{regexp.MustCompile(`\bsudo\s+\S|\bsetuid\s*\(|chmod\s+[ugoa]*\+s\b`), operation.PatternPermissionEscalation, operation.SeverityHigh,
		"privilege escalation", "run without elevated privileges"},
	{regexp.MustCompile(`(?m)^\s*for\s*\{\s*\}\s*$|^\s*while\s+True\s*:\s*pass\s*$`), operation.PatternResourceExhaustion, operation.SeverityMedium,
		"busy loop", "add a blocking call or exit condition"},
	{regexp.MustCompile(`(?i)\bDROP\s+(TABLE|DATABASE)\b|\bTRUNCATE\s+TABLE\b`), operation.PatternDataLoss, operation.SeverityHigh,
		"destructive SQL statement", "back up the data first"},
}

var dataExtensions = map[string]bool{"db": true, "sqlite": true, "sqlite3": true, "sql": true, "csv": true, "parquet": true}

var docExtensions = map[string]bool{"md": true, "txt": true, "rst": true, "adoc": true}

// learned tracks realised outcomes for an operation shape.
type learned struct {
	success, failure int
}

// minLearnedSamples is the outcome count before a shape is judged.
const minLearnedSamples = 3

// PatternRecognizer matches operations against known dangerous and known
// good shapes. It learns from recorded outcomes which shapes tend to fail.
type PatternRecognizer struct {
	mu     sync.RWMutex
	shapes map[string]learned
}

// NewPatternRecognizer returns an empty recognizer.
func NewPatternRecognizer() *PatternRecognizer {
	return &PatternRecognizer{shapes: make(map[string]learned)}
}

// Name implements Producer.
func (p *PatternRecognizer) Name() operation.Producer { return operation.ProducerPatternRecognizer }

func shapeKey(op operation.FileOperation) string {
	d := operation.DetailsOf(op)
	return string(op.Kind) + ":" + d.PathClass() + ":" + d.Extension
}

// Learn records an outcome for op's shape.
func (p *PatternRecognizer) Learn(op operation.FileOperation, outcome operation.Outcome) {
	key := shapeKey(op)
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.shapes[key]
	if outcome.Success && !outcome.RollbackRequired {
		l.success++
	} else {
		l.failure++
	}
	p.shapes[key] = l
}

// RecognizePatterns implements parallel.PatternRecognizer.
func (p *PatternRecognizer) RecognizePatterns(ctx context.Context, op operation.FileOperation, _ operation.Context) (*operation.PatternReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := operation.DetailsOf(op)
	r := &operation.PatternReport{}
	add := func(t operation.PatternType, s operation.Severity, desc, mit string) {
		r.Dangerous = append(r.Dangerous, operation.PatternMatch{Type: t, Severity: s, Description: desc, Mitigation: mit})
	}

	switch op.Kind {
	case operation.KindDelete:
		switch {
		case strings.ContainsAny(op.Path, "*?") || strings.HasSuffix(op.Path, "/") || d.Extension == "":
			add(operation.PatternMassDeletion, operation.SeverityCritical,
				"delete targets a directory or wildcard", "delete individual files")
		case dataExtensions[d.Extension]:
			add(operation.PatternDataLoss, operation.SeverityHigh, "delete of a data file", "back up the file first")
		case d.IsConfigFile:
			add(operation.PatternDataLoss, operation.SeverityHigh, "delete of a configuration file", "keep a copy of the configuration")
		case d.IsTestFile || docExtensions[d.Extension]:
			add(operation.PatternDataLoss, operation.SeverityLow, "delete of a test or document file", "")
		default:
			add(operation.PatternDataLoss, operation.SeverityMedium, "delete of a source file", "confirm nothing imports it")
		}
	case operation.KindUpdate:
		if !op.HasContent() {
			add(operation.PatternOverwriteNoBackup, operation.SeverityMedium, "update without replacement content", "supply the full new content")
		} else if d.IsConfigFile {
			add(operation.PatternOverwriteNoBackup, operation.SeverityLow, "configuration overwritten in place", "review the diff")
		}
	case operation.KindRename:
		if !d.IsTestFile && !docExtensions[d.Extension] {
			add(operation.PatternBreakingChange, operation.SeverityMedium, "rename may break references", "update importers in the same change")
		}
	}

	if op.HasContent() {
		for _, rule := range contentRules {
			if rule.re.MatchString(op.Content) {
				add(rule.kind, rule.severity, rule.description, rule.mitigation)
			}
		}
	}

	p.mu.RLock()
	l := p.shapes[shapeKey(op)]
	p.mu.RUnlock()
	if total := l.success + l.failure; total >= minLearnedSamples && l.failure > l.success {
		sev := operation.SeverityMedium
		if float64(l.failure)/float64(total) > 0.75 {
			sev = operation.SeverityHigh
		}
		add(operation.PatternHistoricalFailure, sev,
			fmt.Sprintf("similar operations failed %d of %d times", l.failure, total), "apply manually and verify")
	}

	switch {
	case d.IsTestFile && op.Kind != operation.KindDelete:
		r.KnownGood = append(r.KnownGood, "test change")
	case docExtensions[d.Extension] && op.Kind != operation.KindDelete:
		r.KnownGood = append(r.KnownGood, "documentation change")
	}
	if (op.Kind == operation.KindCreate || op.Kind == operation.KindAppend) && op.HasContent() {
		r.KnownGood = append(r.KnownGood, "additive change")
	}

	r.SafetyScore = 100 - r.Risk()
	return r, nil
}

// Analyze implements Producer by scoring the pattern report from the
// parallel phase.
func (p *PatternRecognizer) Analyze(ctx context.Context, _ operation.FileOperation, _ operation.Context, ev *Evidence) (*operation.ComponentScore, error) {
	res, err := ev.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Patterns == nil {
		return nil, fmt.Errorf("%w: patterns", ErrNoEvidence)
	}
	return scorePatterns(res.Patterns), nil
}

func scorePatterns(r *operation.PatternReport) *operation.ComponentScore {
	good := len(r.KnownGood)
	if good > 3 {
		good = 3
	}
	s := operation.ComponentScore{
		Producer:   operation.ProducerPatternRecognizer,
		Confidence: 0.85*r.SafetyScore + 5*float64(good),
		Risk:       r.Risk(),
		Rationale:  fmt.Sprintf("%d dangerous, %d known-good patterns", len(r.Dangerous), len(r.KnownGood)),
	}.Clamp()
	return &s
}
