// Package vfspath implements the pure path algebra the Virtual Filesystem
// builds on: normalization, join, and component extraction over
// slash-separated, UTF-8 virtual paths rooted at a workspace.
package vfspath

import (
	"errors"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

// Path is a normalized, slash-separated path relative to a workspace root.
// It never begins with "/" and never contains "." or ".." segments.
type Path string

// PathErrorKind classifies why normalization or join failed.
type PathErrorKind int

const (
	// ErrKindInvalidUTF8 marks a path containing invalid UTF-8.
	ErrKindInvalidUTF8 PathErrorKind = iota
	// ErrKindEscape marks a path whose ".." segments would escape the root.
	ErrKindEscape
	// ErrKindEmpty marks an empty path where one was required.
	ErrKindEmpty
)

// PathError is returned by the algebra functions below.
type PathError struct {
	Kind  PathErrorKind
	Input string
}

func (e *PathError) Error() string {
	switch e.Kind {
	case ErrKindEscape:
		return "vfspath: path escapes workspace root: " + e.Input
	case ErrKindInvalidUTF8:
		return "vfspath: invalid UTF-8: " + e.Input
	case ErrKindEmpty:
		return "vfspath: empty path"
	default:
		return "vfspath: invalid path: " + e.Input
	}
}

// ErrEscape is a sentinel usable with errors.Is: a *PathError of kind
// ErrKindEscape matches it.
var ErrEscape = errors.New("path escapes workspace root")

// Is reports whether target is ErrEscape and e is an escape error.
func (e *PathError) Is(target error) bool {
	return target == ErrEscape && e.Kind == ErrKindEscape
}

// Normalize strips leading separators, collapses "./" segments, and
// resolves ".." segments to the extent possible without climbing above the
// workspace root. A path that would escape the root is rejected rather than
// silently clamped.
func Normalize(s string) (Path, error) {
	if !utf8.ValidString(s) {
		return "", &PathError{Kind: ErrKindInvalidUTF8, Input: s}
	}
	s = strings.ReplaceAll(s, "\\", "/")

	var out []string
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return "", &PathError{Kind: ErrKindEscape, Input: s}
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	return Path(strings.Join(out, "/")), nil
}

// Join appends a relative segment to a normalized path and re-normalizes
// the result.
func Join(p Path, s string) (Path, error) {
	joined := path.Join(string(p), s)
	return Normalize(joined)
}

// Parent returns the parent of p, or ("", false) if p is already the root.
func Parent(p Path) (Path, bool) {
	if p == "" {
		return "", false
	}
	idx := strings.LastIndexByte(string(p), '/')
	if idx < 0 {
		return "", true
	}
	return p[:idx], true
}

// FileName returns the final path segment.
func FileName(p Path) string {
	idx := strings.LastIndexByte(string(p), '/')
	if idx < 0 {
		return string(p)
	}
	return string(p)[idx+1:]
}

// Extension returns the file extension of p's final segment, including the
// leading dot, or "" if there is none.
func Extension(p Path) string {
	name := FileName(p)
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 { // leading dot (dotfile) does not count as an extension
		return ""
	}
	return name[idx:]
}

// IsRoot reports whether p denotes the workspace root.
func IsRoot(p Path) bool {
	return p == ""
}

// MatchGlob reports whether a virtual path matches a doublestar glob
// pattern ("**" crosses directory boundaries, "*" does not).
func MatchGlob(pattern string, p Path) bool {
	matched, err := doublestar.Match(pattern, string(p))
	return err == nil && matched
}

// MatchRegex reports whether a regular expression matches anywhere in a
// virtual path; the match is not anchored to the start or end of the path.
func MatchRegex(re *regexp.Regexp, p Path) bool {
	return re.MatchString(string(p))
}

// HasGlobMeta reports whether s contains glob metacharacters, distinguishing
// a literal path from a search pattern.
func HasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}
