package intelligence

import (
	"context"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/fyrsmithlabs/consensusd/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	findings []secrets.Finding
}

func (f fakeScanner) Detect(string, string) []secrets.Finding { return f.findings }

func TestAnalyzeQuality_CleanGo(t *testing.T) {
	q := NewQualityAnalyzer(nil)
	content := "package app\n\n// Add returns a+b.\nfunc Add(a, b int) int {\n\treturn a + b\n}\n"

	r, err := q.AnalyzeQuality(context.Background(), operation.Create("app/add.go", content), operation.Context{})
	require.NoError(t, err)

	assert.InDelta(t, 100, r.Overall, 1e-9)
	assert.Empty(t, r.Issues)
	assert.Zero(t, r.Secrets)
}

func TestAnalyzeQuality_Issues(t *testing.T) {
	q := NewQualityAnalyzer(nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		op      operation.FileOperation
		message string
	}{
		{"missing package", operation.Create("app/x.go", "func X() {}\n"), "package clause"},
		{"stub", operation.Create("app/y.go", "package app\nfunc Y() { panic(\"not implemented\") }\n"), "stub"},
		{"todo", operation.Create("app/z.go", "package app\n// TODO: finish\n"), "TODO"},
		{"unbalanced", operation.Create("app/w.go", "package app\nfunc W() {\n"), "unbalanced"},
		{"bad json", operation.Create("conf.json", `{"a": }`), "invalid JSON"},
		{"bad toml", operation.Create("conf.toml", "a = = 1\n"), "invalid TOML"},
		{"no content", operation.Update("app/v.go", ""), "no content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := q.AnalyzeQuality(ctx, tt.op, operation.Context{})
			require.NoError(t, err)
			require.NotEmpty(t, r.Issues)
			found := false
			for _, i := range r.Issues {
				if strings.Contains(i.Message, tt.message) {
					found = true
				}
			}
			assert.True(t, found, "issues: %+v", r.Issues)
			assert.Less(t, r.Overall, 100.0)
		})
	}
}

func TestAnalyzeQuality_ValidStructuredFormats(t *testing.T) {
	q := NewQualityAnalyzer(nil)
	for path, content := range map[string]string{
		"a.json": `{"name": "x", "tags": ["a", "b"]}`,
		"a.yaml": "name: x\ntags:\n  - a\n  - b\n",
		"a.toml": "name = \"x\"\ntags = [\"a\", \"b\"]\n",
	} {
		r, err := q.AnalyzeQuality(context.Background(), operation.Create(path, content), operation.Context{})
		require.NoError(t, err)
		assert.Equal(t, 100.0, r.Accuracy, path)
	}
}

func TestAnalyzeQuality_DeleteIsNeutral(t *testing.T) {
	r, err := NewQualityAnalyzer(nil).AnalyzeQuality(context.Background(), operation.Delete("a.go"), operation.Context{})
	require.NoError(t, err)
	assert.InDelta(t, neutralNoCode, r.Overall, 1e-9)
	assert.Empty(t, r.Issues)
}

func TestAnalyzeQuality_SecretsPenalised(t *testing.T) {
	q := NewQualityAnalyzer(fakeScanner{findings: []secrets.Finding{
		{RuleID: "generic-api-key", RuleDesc: "Generic API Key", Line: 2},
	}})
	r, err := q.AnalyzeQuality(context.Background(), operation.Create("app/k.go", "package app\n"), operation.Context{})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Secrets)
	assert.InDelta(t, 100-secretPenalty, r.Overall, 1e-9)
	assert.Equal(t, operation.SeverityCritical, r.Issues[0].Severity)

	s := scoreQuality(r)
	assert.InDelta(t, 70, s.Confidence, 1e-9)
	assert.InDelta(t, 0.5*30+35, s.Risk, 1e-9)
}

func TestBalanced(t *testing.T) {
	assert.True(t, balanced(`f(a[1], "}") { x }`))
	assert.True(t, balanced("s := `(`"))
	assert.False(t, balanced("f(a]"))
	assert.False(t, balanced("{"))
}

func TestSynthesize(t *testing.T) {
	s := NewKnowledgeSynthesizer()
	ctx := context.Background()
	op := operation.Create("a.go", "package a")

	_, err := s.Synthesize(ctx, op, nil, &operation.QualityReport{Overall: 90})
	assert.ErrorIs(t, err, ErrNoEvidence)

	clean, err := s.Synthesize(ctx, op, &operation.PatternReport{SafetyScore: 100}, &operation.QualityReport{Overall: 90})
	require.NoError(t, err)
	assert.InDelta(t, 100, clean.Confidence, 1e-9)
	assert.InDelta(t, 2, clean.Risk, 1e-9)
	assert.Contains(t, clean.Summary, "no dangerous patterns")

	risky := &operation.PatternReport{
		Dangerous:   []operation.PatternMatch{{Type: operation.PatternDataLoss, Severity: operation.SeverityHigh, Mitigation: "back up the data first"}},
		SafetyScore: 50,
	}
	got, err := s.Synthesize(ctx, op, risky, &operation.QualityReport{Overall: 50, Secrets: 1})
	require.NoError(t, err)
	assert.InDelta(t, 50, got.Confidence, 1e-9)
	assert.InDelta(t, 0.6*50+0.2*50+15, got.Risk, 1e-9)
	assert.Contains(t, got.Recommendations, "back up the data first")
	assert.Contains(t, got.Recommendations, "remove credentials from the content")

	noQuality, err := s.Synthesize(ctx, op, &operation.PatternReport{SafetyScore: 100}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 70, noQuality.Confidence, 1e-9)
	assert.Contains(t, noQuality.Summary, "quality unknown")
}
