package operation

import (
	"path/filepath"
	"strings"
)

// Details are derived features of an operation's target path, used for
// similarity matching and statistics.
type Details struct {
	Extension    string `json:"extension"`
	Directory    string `json:"directory"`
	BaseName     string `json:"base_name"`
	IsTestFile   bool   `json:"is_test_file"`
	IsConfigFile bool   `json:"is_config_file"`
	ContentSize  int    `json:"content_size"`
	LineCount    int    `json:"line_count"`
}

var configExtensions = map[string]bool{
	"json": true, "toml": true, "yaml": true, "yml": true, "ini": true, "env": true,
}

// DetailsOf computes Details for op.
func DetailsOf(op FileOperation) Details {
	path := filepath.ToSlash(op.Path)
	base := filepath.Base(path)
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(base)), ".")
	lowerBase := strings.ToLower(base)

	d := Details{
		Extension:   ext,
		Directory:   filepath.ToSlash(filepath.Dir(path)),
		BaseName:    base,
		ContentSize: len(op.Content),
	}
	if op.Content != "" {
		d.LineCount = strings.Count(op.Content, "\n") + 1
	}
	d.IsTestFile = strings.Contains(lowerBase, "test") ||
		strings.Contains(lowerBase, "spec") ||
		strings.Contains(path, "/test/") ||
		strings.HasPrefix(path, "test/")
	d.IsConfigFile = configExtensions[ext] || strings.Contains(lowerBase, "config")
	return d
}

// PathClass buckets a path for coarse matching: "test", "config" or "source".
func (d Details) PathClass() string {
	switch {
	case d.IsTestFile:
		return "test"
	case d.IsConfigFile:
		return "config"
	default:
		return "source"
	}
}
