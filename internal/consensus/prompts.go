package consensus

import (
	"io"
	"strings"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// Scope is how much depth the generator should aim for.
type Scope string

// Question scopes.
const (
	ScopeMinimal    Scope = "minimal"
	ScopeBasic      Scope = "basic"
	ScopeProduction Scope = "production"
)

var codeIndicators = []string{
	"this code", "this function", "this file", "this class", "this method",
	"this module", "this repo", "this project", "the code", "the function",
	"analyze", "explain", "review", "debug", "optimize", "refactor",
	"implementation", "architecture", "dependency", "import", "export", "structure",
}

// DetectScope classifies a question by length and phrasing. Short questions
// and definitions are minimal; medium questions that are not about code are
// basic; everything else is production.
func DetectScope(question string) Scope {
	lower := strings.ToLower(question)
	words := len(strings.Fields(question))

	switch {
	case words <= 5 || strings.Contains(lower, "what is") || strings.Contains(lower, "how to"):
		return ScopeMinimal
	case words <= 15 && !AboutCode(question):
		return ScopeBasic
	default:
		return ScopeProduction
	}
}

// AboutCode reports whether the question refers to code or a repository.
func AboutCode(question string) bool {
	lower := strings.ToLower(question)
	for _, ind := range codeIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

const (
	generatorSystem = `You are the Generator in a four-stage consensus pipeline.
Produce a complete first answer to the user's question. Be specific, show
working code where it helps, and state assumptions explicitly. Later stages
will refine, validate and curate your answer.`

	refinerSystem = `You are the Refiner in a four-stage consensus pipeline.
You receive the user's question and the Generator's answer. Improve accuracy,
fill gaps, tighten structure and fix weak or incorrect code. Keep what is
already correct; do not pad the answer.`

	validatorSystem = `You are the Validator in a four-stage consensus pipeline.
You receive the user's question and the Refiner's answer. Check every claim
and code sample for correctness, security problems and missing edge cases.
Correct what is wrong and return the validated answer.`

	curatorSystem = `You are the Curator, the final stage of a four-stage consensus pipeline.
You receive the user's question and the Validator's answer. Produce the final
response: well organised, concise and ready to act on.`

	curatorOperations = `When the answer requires changing files, list every change in this exact
format so it can be reviewed before anything is applied:

`
)

var scopeInstructions = map[Scope]string{
	ScopeMinimal:    "QUICK ANSWER MODE: Provide a concise, direct answer.",
	ScopeBasic:      "STANDARD MODE: Provide a clear, well-structured answer.",
	ScopeProduction: "COMPREHENSIVE MODE: Provide an in-depth analysis with multiple perspectives.",
}

const codeInstruction = "CODE ANALYSIS MODE: The question is about code. Use the provided context " +
	"to give accurate answers that reference actual files, symbols and project structure."

// curatorExample is rendered once; it shows the curator the step format that
// operation.ParseCuratorOutput reads back.
var curatorExample = operation.FormatOperations([]operation.FileOperation{
	operation.Create("internal/example/example.go", "package example"),
	operation.Update("README.md", "# Project"),
	operation.Delete("internal/legacy/old.go"),
	operation.Rename("cmd/tool/main.go", "cmd/app/main.go"),
})

// previousLabel names the stage whose output a stage receives.
var previousLabel = map[Stage]string{
	StageRefiner:   "Initial analysis from Generator",
	StageValidator: "Enhanced analysis from Refiner",
	StageCurator:   "Validated analysis from Validator",
}

// prompt is the input of one stage.
type prompt struct {
	stage    Stage
	query    string
	context  string
	previous string
}

func (p prompt) writeSystem(b io.StringWriter) {
	switch p.stage {
	case StageGenerator:
		b.WriteString(generatorSystem)
		b.WriteString("\n\n")
		b.WriteString(scopeInstructions[DetectScope(p.query)])
		if AboutCode(p.query) {
			b.WriteString("\n\n")
			b.WriteString(codeInstruction)
		}
	case StageRefiner:
		b.WriteString(refinerSystem)
	case StageValidator:
		b.WriteString(validatorSystem)
	case StageCurator:
		b.WriteString(curatorSystem)
		b.WriteString("\n\n")
		b.WriteString(curatorOperations)
		b.WriteString(curatorExample)
	}
}

func (p prompt) writeUser(b io.StringWriter) {
	if strings.TrimSpace(p.context) != "" {
		b.WriteString("CONTEXT:\n")
		b.WriteString(strings.TrimSpace(p.context))
		b.WriteString("\n\n")
	}

	if p.stage == StageGenerator {
		b.WriteString("USER QUESTION (Scope: ")
		b.WriteString(string(DetectScope(p.query)))
		b.WriteString("):\n")
		b.WriteString(p.query)
		return
	}

	b.WriteString("ORIGINAL QUESTION:\n")
	b.WriteString(p.query)
	b.WriteString("\n\n")
	b.WriteString(previousLabel[p.stage])
	b.WriteString(":\n")
	b.WriteString(p.previous)
}
