// Package operation defines the file operations proposed by the curator
// stage and the analysis records produced while deciding whether to apply
// them.
package operation

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind tags a FileOperation variant.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindAppend Kind = "append"
	KindDelete Kind = "delete"
	KindRename Kind = "rename"
)

// AllKinds returns every operation kind.
func AllKinds() []Kind {
	return []Kind{KindCreate, KindUpdate, KindAppend, KindDelete, KindRename}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindAppend, KindDelete, KindRename:
		return true
	}
	return false
}

// FileOperation is a proposed file-system mutation. It is never modified
// after the curator output is parsed.
type FileOperation struct {
	Kind    Kind   `json:"kind"`
	Path    string `json:"path"`
	NewPath string `json:"new_path,omitempty"`
	Content string `json:"content,omitempty"`
}

// Create builds a create operation.
func Create(path, content string) FileOperation {
	return FileOperation{Kind: KindCreate, Path: path, Content: content}
}

// Update builds an update operation.
func Update(path, content string) FileOperation {
	return FileOperation{Kind: KindUpdate, Path: path, Content: content}
}

// Append builds an append operation.
func Append(path, content string) FileOperation {
	return FileOperation{Kind: KindAppend, Path: path, Content: content}
}

// Delete builds a delete operation.
func Delete(path string) FileOperation {
	return FileOperation{Kind: KindDelete, Path: path}
}

// Rename builds a rename operation.
func Rename(from, to string) FileOperation {
	return FileOperation{Kind: KindRename, Path: from, NewPath: to}
}

// Validate checks that the variant carries the fields it needs.
func (op FileOperation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	if strings.TrimSpace(op.Path) == "" {
		return ErrEmptyPath
	}
	if op.Kind == KindRename && strings.TrimSpace(op.NewPath) == "" {
		return fmt.Errorf("%w: rename target", ErrEmptyPath)
	}
	return nil
}

// Paths returns every path the operation touches.
func (op FileOperation) Paths() []string {
	if op.Kind == KindRename {
		return []string{op.Path, op.NewPath}
	}
	return []string{op.Path}
}

// HasContent reports whether the operation carries file content.
func (op FileOperation) HasContent() bool {
	return strings.TrimSpace(op.Content) != ""
}

// Verb returns the human description used in explanations.
func (op FileOperation) Verb() string {
	switch op.Kind {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindAppend:
		return "append to"
	case KindDelete:
		return "delete"
	case KindRename:
		return "rename"
	}
	return string(op.Kind)
}

// Describe returns "<verb> <path>" or "rename <from> to <to>".
func (op FileOperation) Describe() string {
	if op.Kind == KindRename {
		return fmt.Sprintf("rename %s to %s", op.Path, op.NewPath)
	}
	return op.Verb() + " " + op.Path
}

// Context describes the environment a decision is made in. It is built
// once per decision request.
type Context struct {
	RepositoryRoot string            `json:"repository_root"`
	UserQuestion   string            `json:"user_question"`
	Revision       string            `json:"revision,omitempty"`
	Branch         string            `json:"branch,omitempty"`
	RelatedFiles   []string          `json:"related_files,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ProjectType infers the project ecosystem from metadata or marker files in
// the repository root.
func (c Context) ProjectType() string {
	if t, ok := c.Metadata["project_type"]; ok && t != "" {
		return t
	}
	markers := []struct {
		file string
		kind string
	}{
		{"go.mod", "go"},
		{"Cargo.toml", "rust"},
		{"package.json", "javascript"},
		{"requirements.txt", "python"},
		{"pyproject.toml", "python"},
	}
	for _, m := range markers {
		if _, ok := c.Metadata[m.file]; ok {
			return m.kind
		}
		for _, f := range c.RelatedFiles {
			if filepath.Base(f) == m.file {
				return m.kind
			}
		}
	}
	return "unknown"
}

// Mode selects the auto-accept policy.
type Mode string

const (
	ModeManual       Mode = "manual"
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
	ModePlan         Mode = "plan"
)

// ParseMode maps a name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeManual, ModeConservative, ModeBalanced, ModeAggressive, ModePlan:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Outcome is the realised result of an executed operation.
type Outcome struct {
	Success          bool               `json:"success"`
	Error            string             `json:"error,omitempty"`
	Duration         time.Duration      `json:"duration"`
	RollbackRequired bool               `json:"rollback_required"`
	Satisfaction     *float64           `json:"satisfaction,omitempty"`
	QualityMetrics   map[string]float64 `json:"quality_metrics,omitempty"`
	CompletedAt      time.Time          `json:"completed_at"`
}
