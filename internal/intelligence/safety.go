package intelligence

import (
	"path"
	"strings"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// SafetyOverrideRisk is the minimum risk of an operation on a critical path.
// It exceeds every mode's risk ceiling.
const SafetyOverrideRisk = 95.0

// defaultCriticalPaths are matched after normalisation (forward slashes,
// lower case). Entries ending in "/" match as prefixes.
var defaultCriticalPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/group",
	"/etc/gshadow",
	"/etc/sudoers",
	"/etc/sudoers.d/",
	"/etc/ssh/",
	"/boot/",
	"/system/",
	"/usr/bin/",
	"/usr/sbin/",
	"/bin/",
	"/sbin/",
	"c:/windows/system32/",
}

// SafetyChecker matches operations against critical system paths.
type SafetyChecker struct {
	paths []string
	globs []string
}

// NewSafetyChecker returns a checker for the built-in critical paths plus
// extra, which may be exact paths, "/"-terminated prefixes or globs.
func NewSafetyChecker(extra ...string) *SafetyChecker {
	s := &SafetyChecker{paths: append([]string{}, defaultCriticalPaths...)}
	for _, raw := range extra {
		p := normalizePath(raw)
		if p == "" {
			continue
		}
		if strings.HasSuffix(raw, "/") || strings.HasSuffix(raw, `\`) {
			p = strings.TrimSuffix(p, "/") + "/"
		}
		if strings.ContainsAny(p, "*?[") {
			s.globs = append(s.globs, p)
		} else {
			s.paths = append(s.paths, p)
		}
	}
	return s
}

// Check reports whether op touches a critical path, and which one.
// Relative paths are resolved against root, the repository the operation
// runs in. A relative path that climbs out of root, or cannot be resolved,
// is treated as critical.
func (s *SafetyChecker) Check(op operation.FileOperation, root string) (bool, string) {
	for _, p := range op.Paths() {
		if hit, why := s.critical(p, root); hit {
			return true, why
		}
	}
	return false, ""
}

func (s *SafetyChecker) critical(raw, root string) (bool, string) {
	p := normalizePath(raw)
	if p == "" {
		return false, ""
	}
	if strings.ContainsRune(p, 0) || strings.HasPrefix(p, "~") {
		return true, "unresolvable path " + raw
	}

	targets := []string{p}
	if !isAbs(p) {
		if escapes(p) {
			return true, "path escapes repository " + raw
		}
		if r := normalizePath(root); r != "" {
			resolved := normalizePath(path.Join(r, p))
			if escapes(resolved) || !within(r, resolved) {
				return true, "path escapes repository " + raw
			}
			targets = append(targets, resolved)
		}
	}

	for _, t := range targets {
		if hit, why := s.match(t, raw); hit {
			return true, why
		}
	}
	return false, ""
}

func (s *SafetyChecker) match(p, raw string) (bool, string) {
	for _, c := range s.paths {
		if strings.HasSuffix(c, "/") {
			if strings.HasPrefix(p+"/", c) {
				return true, "critical system path " + raw
			}
			continue
		}
		if p == c {
			return true, "critical system path " + raw
		}
	}
	for _, g := range s.globs {
		if ok, _ := path.Match(g, p); ok {
			return true, "configured critical path " + raw
		}
	}

	if hasSegment(p, ".ssh") {
		return true, "ssh credentials " + raw
	}
	if gitInternal(p) {
		return true, "git internals " + raw
	}
	return false, ""
}

// isAbs reports whether a normalised path is rooted, including drive
// letter paths.
func isAbs(p string) bool {
	return strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':')
}

func escapes(p string) bool {
	return p == ".." || strings.HasPrefix(p, "../")
}

// within reports whether p is root or lies below it.
func within(root, p string) bool {
	if root == "/" {
		return isAbs(p)
	}
	return p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/")
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
	if len(p) > 2 && p[1] == ':' {
		// keep the drive letter, clean the rest
		return p[:2] + path.Clean(p[2:])
	}
	return path.Clean(p)
}

func hasSegment(p, seg string) bool {
	for _, part := range strings.Split(p, "/") {
		if part == seg {
			return true
		}
	}
	return false
}

// gitInternal matches anything inside a .git directory but not files such
// as .gitignore.
func gitInternal(p string) bool {
	return hasSegment(p, ".git")
}
