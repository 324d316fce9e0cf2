package consensus

import (
	"strings"
	"testing"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestDetectScope(t *testing.T) {
	tests := []struct {
		question string
		want     Scope
	}{
		{"What is a goroutine?", ScopeMinimal},
		{"Explain this code function", ScopeMinimal},
		{"Can you tell me how to write a table driven test in Go today", ScopeMinimal},
		{"Which sorting algorithm should a small embedded device use for sensor data", ScopeBasic},
		{"Please review the error handling across the service layer for consistency", ScopeProduction},
		{strings.Repeat("word ", 20), ScopeProduction},
	}

	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectScope(tt.question))
		})
	}
}

func TestAboutCode(t *testing.T) {
	assert.True(t, AboutCode("Refactor the parser"))
	assert.True(t, AboutCode("what does THIS FILE do"))
	assert.False(t, AboutCode("Best hiking trails near Denver"))
}

func TestEstimateQuality(t *testing.T) {
	long := strings.Repeat("plain text ", 10)
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"too short", "## Short\nbecause", 0},
		{"plain", long, 0},
		{"heading", "## Title\n" + long, 0.3},
		{"balanced fence", long + "\n```go\nx := 1\n```", 0.2},
		{"unbalanced fence", long + "\n```go\nx := 1", 0},
		{"reasoning", long + " therefore", 0.2},
		{"actionable", long + " follow these steps", 0.3},
		{"everything", "## Title\n" + long + " because you can\n```\ncode\n```", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EstimateQuality(tt.text), 1e-9)
		})
	}
}

func TestPrompt_Generator(t *testing.T) {
	var sys, user strings.Builder
	p := prompt{stage: StageGenerator, query: "What is a channel?"}
	p.writeSystem(&sys)
	p.writeUser(&user)

	assert.Contains(t, sys.String(), "QUICK ANSWER MODE")
	assert.NotContains(t, sys.String(), "CODE ANALYSIS MODE")
	assert.Equal(t, "USER QUESTION (Scope: minimal):\nWhat is a channel?", user.String())
}

func TestPrompt_Curator(t *testing.T) {
	var sys, user strings.Builder
	p := prompt{stage: StageCurator, query: "q", previous: "validated"}
	p.writeSystem(&sys)
	p.writeUser(&user)

	assert.Equal(t, "ORIGINAL QUESTION:\nq\n\nValidated analysis from Validator:\nvalidated", user.String())

	// The example in the curator prompt must parse back to the operations it
	// was rendered from.
	got := operation.Operations(sys.String())
	want := []operation.FileOperation{
		operation.Create("internal/example/example.go", "package example"),
		operation.Update("README.md", "# Project"),
		operation.Delete("internal/legacy/old.go"),
		operation.Rename("cmd/tool/main.go", "cmd/app/main.go"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("curator example operations mismatch (-want +got):\n%s", diff)
	}
}
