package operation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Parse confidences per operation shape.
const (
	confidenceWithContent    = 0.9
	confidenceWithoutContent = 0.7
	confidenceDelete         = 0.95
	confidenceRename         = 0.9
)

// Parsed is an operation recovered from curator text together with how sure
// the parser is that the text really asked for it.
type Parsed struct {
	Operation  FileOperation `json:"operation"`
	Confidence float64       `json:"confidence"`
	// Structured is true when the operation came from the standard step
	// format rather than free text.
	Structured bool `json:"structured"`
}

var (
	fencePattern   = regexp.MustCompile("(?s)```([^\\n`]*)\\n(.*?)```")
	headingPattern = regexp.MustCompile(`(?m)^#{2,4}\s*Step\s+\d+:\s*(Creating|Updating|Appending to|Deleting|Renaming)\b`)

	pathToken       = "`?([A-Za-z0-9_~./\\\\-]+\\.[A-Za-z0-9]+)`?"
	freeCreate      = regexp.MustCompile(`(?i)\bcreate\s+(?:a\s+)?(?:new\s+)?file[:\s]+` + pathToken)
	freeUpdate      = regexp.MustCompile(`(?i)\b(?:update|modify|change|edit)\s+(?:the\s+)?(?:file[:\s]+)?` + pathToken)
	freeAppend      = regexp.MustCompile(`(?i)\bappend\s+to\s+(?:the\s+)?(?:file[:\s]+)?` + pathToken)
	freeDelete      = regexp.MustCompile(`(?i)\b(?:delete|remove)\s+(?:the\s+)?(?:file[:\s]+)?` + pathToken)
	freeRename      = regexp.MustCompile(`(?i)\b(?:rename|move)\s+(?:the\s+)?(?:file[:\s]+)?` + pathToken + `\s*(?:->|to)\s*` + pathToken)
	renameSeparator = regexp.MustCompile(`\s+to\s+|\s*->\s*`)
)

type fence struct {
	start, end int
	info       string
	body       string
}

// ParseCuratorOutput extracts the file operations proposed in curator text.
// The standard step format is preferred; free-text instructions are only
// consulted when no structured operation is present.
func ParseCuratorOutput(text string) []Parsed {
	fences := findFences(text)

	parsed := parseStructured(text, fences)
	if len(parsed) == 0 {
		parsed = parseFreeText(text, fences)
	}
	return dedupe(parsed)
}

// Operations returns only the operations from ParseCuratorOutput.
func Operations(text string) []FileOperation {
	parsed := ParseCuratorOutput(text)
	ops := make([]FileOperation, len(parsed))
	for i, p := range parsed {
		ops[i] = p.Operation
	}
	return ops
}

func findFences(text string) []fence {
	matches := fencePattern.FindAllStringSubmatchIndex(text, -1)
	fences := make([]fence, 0, len(matches))
	for _, m := range matches {
		fences = append(fences, fence{
			start: m[0],
			end:   m[1],
			info:  strings.TrimSpace(text[m[2]:m[3]]),
			body:  strings.TrimRight(text[m[4]:m[5]], "\n"),
		})
	}
	return fences
}

func parseStructured(text string, fences []fence) []Parsed {
	headings := headingPattern.FindAllStringSubmatchIndex(text, -1)

	var out []Parsed
	for _, f := range fences {
		prefix, rest, ok := strings.Cut(f.info, ":")
		if !ok || strings.TrimSpace(rest) == "" {
			continue
		}
		rest = strings.TrimSpace(rest)

		switch strings.ToLower(prefix) {
		case "delete":
			out = append(out, Parsed{Operation: Delete(rest), Confidence: confidenceDelete, Structured: true})
		case "rename":
			parts := renameSeparator.Split(rest, 2)
			if len(parts) != 2 {
				continue
			}
			out = append(out, Parsed{
				Operation:  Rename(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])),
				Confidence: confidenceRename,
				Structured: true,
			})
		default:
			op := FileOperation{Kind: headingKind(text, headings, f.start), Path: rest, Content: f.body}
			out = append(out, Parsed{Operation: op, Confidence: contentConfidence(op), Structured: true})
		}
	}
	return out
}

// headingKind returns the kind named by the closest step heading before pos.
func headingKind(text string, headings [][]int, pos int) Kind {
	kind := KindCreate
	for _, h := range headings {
		if h[0] > pos {
			break
		}
		switch text[h[2]:h[3]] {
		case "Updating":
			kind = KindUpdate
		case "Appending to":
			kind = KindAppend
		default:
			kind = KindCreate
		}
	}
	return kind
}

func parseFreeText(text string, fences []fence) []Parsed {
	var out []Parsed
	consumed := make(map[int]bool)

	// contentAfter returns the first unused fence that starts after pos.
	contentAfter := func(pos int) string {
		for i, f := range fences {
			if f.start >= pos && !consumed[i] {
				consumed[i] = true
				return f.body
			}
		}
		return ""
	}

	type hit struct {
		pos int
		p   Parsed
	}
	var hits []hit

	for _, m := range freeRename.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{m[0], Parsed{
			Operation:  Rename(text[m[2]:m[3]], text[m[4]:m[5]]),
			Confidence: confidenceRename,
		}})
	}
	for _, m := range freeDelete.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{m[0], Parsed{Operation: Delete(text[m[2]:m[3]]), Confidence: confidenceDelete}})
	}
	addContent := func(re *regexp.Regexp, kind Kind) {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, hit{m[0], Parsed{Operation: FileOperation{Kind: kind, Path: text[m[2]:m[3]]}}})
		}
	}
	addContent(freeCreate, KindCreate)
	addContent(freeUpdate, KindUpdate)
	addContent(freeAppend, KindAppend)

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	for _, h := range hits {
		p := h.p
		switch p.Operation.Kind {
		case KindCreate, KindUpdate, KindAppend:
			p.Operation.Content = contentAfter(h.pos)
			p.Confidence = contentConfidence(p.Operation)
		}
		out = append(out, p)
	}
	return out
}

func contentConfidence(op FileOperation) float64 {
	if op.HasContent() {
		return confidenceWithContent
	}
	return confidenceWithoutContent
}

// dedupe keeps the first operation per (kind, path) pair.
func dedupe(in []Parsed) []Parsed {
	seen := make(map[string]bool, len(in))
	out := make([]Parsed, 0, len(in))
	for _, p := range in {
		key := string(p.Operation.Kind) + "\x00" + p.Operation.Path
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// FormatOperations renders operations in the standard step format that
// ParseCuratorOutput reads back.
func FormatOperations(ops []FileOperation) string {
	if len(ops) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## File Operations\n\n")
	b.WriteString("The following operations will be performed:\n\n")
	for i, op := range ops {
		b.WriteString(formatOne(op, i+1))
		b.WriteString("\n")
	}
	return b.String()
}

func formatOne(op FileOperation, step int) string {
	switch op.Kind {
	case KindDelete:
		return fmt.Sprintf("### Step %d: Deleting `%s`\n\n```delete:%s\n# File will be deleted\n```\n", step, op.Path, op.Path)
	case KindRename:
		return fmt.Sprintf("### Step %d: Renaming `%s` to `%s`\n\n```rename:%s to %s\n# File will be renamed\n```\n",
			step, op.Path, op.NewPath, op.Path, op.NewPath)
	}

	verb := "Creating"
	switch op.Kind {
	case KindUpdate:
		verb = "Updating"
	case KindAppend:
		verb = "Appending to"
	}
	return fmt.Sprintf("### Step %d: %s `%s`\n\n```%s:%s\n%s\n```\n",
		step, verb, op.Path, LanguageFor(op.Path), op.Path, strings.TrimSpace(op.Content))
}

// LanguageFor returns the fence language identifier for a path.
func LanguageFor(path string) string {
	switch strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".") {
	case "go":
		return "go"
	case "rs":
		return "rust"
	case "py":
		return "python"
	case "js", "mjs", "cjs":
		return "javascript"
	case "ts", "tsx":
		return "typescript"
	case "md":
		return "markdown"
	case "json":
		return "json"
	case "yaml", "yml":
		return "yaml"
	case "toml":
		return "toml"
	case "sh", "bash":
		return "bash"
	case "sql":
		return "sql"
	case "html":
		return "html"
	case "css":
		return "css"
	}
	return "text"
}
