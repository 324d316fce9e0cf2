package operation

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const structuredOutput = "Here is the plan.\n\n" +
	"### Step 1: Creating `internal/greet/greet.go`\n\n" +
	"```go:internal/greet/greet.go\npackage greet\n\nfunc Hello() string { return \"hi\" }\n```\n\n" +
	"### Step 2: Updating `README.md`\n\n" +
	"```markdown:README.md\n# Greet\n```\n\n" +
	"### Step 3: Deleting `old.txt`\n\n" +
	"```delete:old.txt\n# File will be deleted\n```\n\n" +
	"### Step 4: Renaming `a.go` to `b.go`\n\n" +
	"```rename:a.go to b.go\n# File will be renamed\n```\n"

func TestParseCuratorOutput_Structured(t *testing.T) {
	parsed := ParseCuratorOutput(structuredOutput)
	require.Len(t, parsed, 4)

	want := []FileOperation{
		Create("internal/greet/greet.go", "package greet\n\nfunc Hello() string { return \"hi\" }"),
		Update("README.md", "# Greet"),
		Delete("old.txt"),
		Rename("a.go", "b.go"),
	}
	got := make([]FileOperation, len(parsed))
	for i, p := range parsed {
		got[i] = p.Operation
		assert.True(t, p.Structured)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("operations mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, confidenceWithContent, parsed[0].Confidence)
	assert.Equal(t, confidenceDelete, parsed[2].Confidence)
	assert.Equal(t, confidenceRename, parsed[3].Confidence)
}

func TestParseCuratorOutput_FreeText(t *testing.T) {
	text := "First, create a new file: cmd/app/main.go with the following:\n\n" +
		"```go\npackage main\n```\n\n" +
		"Then remove the file legacy/util.go since it is unused.\n" +
		"Finally rename config.yml to config.yaml."

	parsed := ParseCuratorOutput(text)
	require.Len(t, parsed, 3)

	assert.Equal(t, Create("cmd/app/main.go", "package main"), parsed[0].Operation)
	assert.Equal(t, confidenceWithContent, parsed[0].Confidence)
	assert.False(t, parsed[0].Structured)

	assert.Equal(t, Delete("legacy/util.go"), parsed[1].Operation)
	assert.Equal(t, Rename("config.yml", "config.yaml"), parsed[2].Operation)
}

func TestParseCuratorOutput_UpdateWithoutContent(t *testing.T) {
	parsed := ParseCuratorOutput("You should update the file server.go to add logging.")

	require.Len(t, parsed, 1)
	assert.Equal(t, KindUpdate, parsed[0].Operation.Kind)
	assert.Equal(t, "server.go", parsed[0].Operation.Path)
	assert.Equal(t, confidenceWithoutContent, parsed[0].Confidence)
}

func TestParseCuratorOutput_NoOperations(t *testing.T) {
	text := "This function computes a checksum.\n\n```go\nfunc sum(b []byte) int { return 0 }\n```\n"

	assert.Empty(t, ParseCuratorOutput(text))
}

func TestParseCuratorOutput_Dedupes(t *testing.T) {
	text := "```delete:tmp.log\n# File will be deleted\n```\n```delete:tmp.log\n# again\n```\n"

	assert.Len(t, ParseCuratorOutput(text), 1)
}

func TestFormatOperations_ParsesBack(t *testing.T) {
	ops := []FileOperation{
		Create("pkg/a.go", "package pkg"),
		Append("CHANGELOG.md", "- added a"),
		Update("go.mod", "module example.com/x"),
		Delete("pkg/old.go"),
		Rename("pkg/b.go", "pkg/c.go"),
	}

	text := FormatOperations(ops)

	assert.Contains(t, text, "### Step 2: Appending to `CHANGELOG.md`")
	if diff := cmp.Diff(ops, Operations(text)); diff != "" {
		t.Errorf("formatted operations did not parse back (-want +got):\n%s", diff)
	}
}

func TestFormatOperations_Empty(t *testing.T) {
	assert.Empty(t, FormatOperations(nil))
}

func TestLanguageFor(t *testing.T) {
	assert.Equal(t, "go", LanguageFor("main.go"))
	assert.Equal(t, "yaml", LanguageFor("ci.YML"))
	assert.Equal(t, "text", LanguageFor("LICENSE"))
}
