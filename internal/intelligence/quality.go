package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/fyrsmithlabs/consensusd/internal/secrets"
	"github.com/knadh/koanf/parsers/yaml"
)

// Quality sub-score weights.
const (
	consistencyWeight  = 0.30
	completenessWeight = 0.25
	accuracyWeight     = 0.30
	clarityWeight      = 0.15

	secretPenalty  = 30.0
	maxLineLength  = 120
	neutralNoCode  = 75.0
	missingContent = 40.0
)

var (
	todoPattern  = regexp.MustCompile(`\b(TODO|FIXME|XXX|HACK)\b`)
	stubPattern  = regexp.MustCompile(`panic\("(not implemented|unimplemented|todo)"\)|unimplemented!\(|todo!\(|raise NotImplementedError`)
	commentStart = regexp.MustCompile(`^\s*(//|#|/\*|\*|--|<!--)`)
)

var codeExtensions = map[string]bool{
	"go": true, "rs": true, "js": true, "ts": true, "jsx": true, "tsx": true, "java": true,
	"c": true, "h": true, "cpp": true, "cs": true, "py": true, "rb": true, "php": true, "swift": true, "kt": true,
}

// SecretScanner finds credentials in content.
type SecretScanner interface {
	Detect(path, content string) []secrets.Finding
}

// QualityAnalyzer estimates the static quality of proposed content.
type QualityAnalyzer struct {
	scanner SecretScanner
}

// NewQualityAnalyzer returns a quality analyzer. scanner may be nil.
func NewQualityAnalyzer(scanner SecretScanner) *QualityAnalyzer {
	return &QualityAnalyzer{scanner: scanner}
}

// Name implements Producer.
func (q *QualityAnalyzer) Name() operation.Producer { return operation.ProducerQualityAnalyzer }

// AnalyzeQuality implements parallel.QualityAnalyzer.
func (q *QualityAnalyzer) AnalyzeQuality(ctx context.Context, op operation.FileOperation, _ operation.Context) (*operation.QualityReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !op.HasContent() {
		r := &operation.QualityReport{
			Consistency: neutralNoCode, Completeness: neutralNoCode,
			Accuracy: neutralNoCode, Clarity: neutralNoCode,
		}
		if op.Kind == operation.KindCreate || op.Kind == operation.KindUpdate || op.Kind == operation.KindAppend {
			r.Completeness = missingContent
			r.Issues = append(r.Issues, operation.QualityIssue{Severity: operation.SeverityMedium, Message: "no content supplied"})
		}
		r.Overall = overall(r)
		return r, nil
	}

	d := operation.DetailsOf(op)
	lines := strings.Split(strings.ReplaceAll(op.Content, "\r\n", "\n"), "\n")
	r := &operation.QualityReport{
		Consistency:  consistency(op.Content, lines),
		Completeness: 100,
		Accuracy:     100,
		Clarity:      clarity(lines),
	}

	if n := len(todoPattern.FindAllString(op.Content, -1)); n > 0 {
		r.Completeness -= minF(30, 5*float64(n))
		r.Issues = append(r.Issues, operation.QualityIssue{Severity: operation.SeverityLow, Message: fmt.Sprintf("%d TODO markers", n)})
	}
	if stubPattern.MatchString(op.Content) {
		r.Completeness -= 25
		r.Issues = append(r.Issues, operation.QualityIssue{Severity: operation.SeverityMedium, Message: "unimplemented stub"})
	}
	if d.Extension == "go" && !strings.Contains(op.Content, "package ") && op.Kind != operation.KindAppend {
		r.Completeness -= 30
		r.Issues = append(r.Issues, operation.QualityIssue{Severity: operation.SeverityHigh, Message: "Go file without package clause"})
	}

	if err := validateSyntax(d.Extension, op.Content); err != nil {
		r.Accuracy -= 50
		r.Issues = append(r.Issues, operation.QualityIssue{Severity: operation.SeverityHigh, Message: err.Error()})
	} else if codeExtensions[d.Extension] && !balanced(op.Content) {
		r.Accuracy -= 30
		r.Issues = append(r.Issues, operation.QualityIssue{Severity: operation.SeverityMedium, Message: "unbalanced brackets"})
	}

	r.Overall = overall(r)

	if q.scanner != nil {
		for _, f := range q.scanner.Detect(op.Path, op.Content) {
			r.Secrets++
			r.Issues = append(r.Issues, operation.QualityIssue{
				Severity: operation.SeverityCritical,
				Message:  "possible secret: " + f.RuleDesc,
				Line:     f.Line,
			})
		}
		r.Overall = operation.Clamp(r.Overall - secretPenalty*minF(2, float64(r.Secrets)))
	}
	return r, nil
}

// Analyze implements Producer by scoring the quality report from the
// parallel phase.
func (q *QualityAnalyzer) Analyze(ctx context.Context, _ operation.FileOperation, _ operation.Context, ev *Evidence) (*operation.ComponentScore, error) {
	res, err := ev.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Quality == nil {
		return nil, fmt.Errorf("%w: quality", ErrNoEvidence)
	}
	return scoreQuality(res.Quality), nil
}

func scoreQuality(r *operation.QualityReport) *operation.ComponentScore {
	s := operation.ComponentScore{
		Producer:   operation.ProducerQualityAnalyzer,
		Confidence: r.Overall,
		Risk:       0.5*(100-r.Overall) + 35*minF(2, float64(r.Secrets)),
		Rationale:  fmt.Sprintf("quality %.0f, %d issues, %d secrets", r.Overall, len(r.Issues), r.Secrets),
	}.Clamp()
	return &s
}

func overall(r *operation.QualityReport) float64 {
	r.Consistency = operation.Clamp(r.Consistency)
	r.Completeness = operation.Clamp(r.Completeness)
	r.Accuracy = operation.Clamp(r.Accuracy)
	r.Clarity = operation.Clamp(r.Clarity)
	return operation.Clamp(consistencyWeight*r.Consistency +
		completenessWeight*r.Completeness +
		accuracyWeight*r.Accuracy +
		clarityWeight*r.Clarity)
}

func consistency(content string, lines []string) float64 {
	score := 100.0
	var tabs, spaces, trailing, nonEmpty int
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		nonEmpty++
		if strings.HasPrefix(l, "\t") {
			tabs++
		} else if strings.HasPrefix(l, "  ") {
			spaces++
		}
		if strings.TrimRight(l, " \t") != l {
			trailing++
		}
	}
	if tabs > 0 && spaces > 0 {
		score -= 20
	}
	if nonEmpty > 0 {
		score -= minF(20, 100*float64(trailing)/float64(nonEmpty))
	}
	if strings.Contains(content, "\r\n") && strings.Count(content, "\n") != strings.Count(content, "\r\n") {
		score -= 10
	}
	return score
}

func clarity(lines []string) float64 {
	score := 100.0
	var long, comments, nonEmpty int
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		nonEmpty++
		if len(l) > maxLineLength {
			long++
		}
		if commentStart.MatchString(l) {
			comments++
		}
	}
	if nonEmpty > 0 {
		score -= minF(30, 100*float64(long)/float64(nonEmpty))
	}
	if nonEmpty > 50 && comments == 0 {
		score -= 10
	}
	return score
}

// validateSyntax parses structured formats the analyzer understands.
func validateSyntax(ext, content string) error {
	switch ext {
	case "json":
		if !json.Valid([]byte(content)) {
			return fmt.Errorf("invalid JSON")
		}
	case "yaml", "yml":
		if _, err := yaml.Parser().Unmarshal([]byte(content)); err != nil {
			return fmt.Errorf("invalid YAML: %v", err)
		}
	case "toml":
		var v map[string]any
		if _, err := toml.Decode(content, &v); err != nil {
			return fmt.Errorf("invalid TOML: %v", err)
		}
	}
	return nil
}

// balanced reports whether (), [] and {} nest correctly outside string
// literals. Quote handling is approximate.
func balanced(content string) bool {
	var stack []rune
	var quote rune
	escaped := false
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}

	for _, r := range content {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote != '`':
				escaped = true
			case r == quote:
				quote = 0
			case r == '\n' && quote != '`':
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
