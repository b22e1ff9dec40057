package decompose

import (
	"path"
	"regexp"
	"strings"

	"github.com/ShayCichocki/critic/pkg/models"
)

var importPatterns = []*regexp.Regexp{
	// python: from pkg.mod import name
	regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\b`),
	// python: import pkg.mod
	regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)\s*$`),
	// js/ts: import x from './mod'
	regexp.MustCompile(`(?m)^\s*import\s+(?:[\w*{}\s,]+\s+from\s+)?['"]([^'"]+)['"]`),
	// node: require('./mod')
	regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`),
	// c/c++: #include "header.h"
	regexp.MustCompile(`(?m)^\s*#include\s*"([^"]+)"`),
	// go: single-line import or a line of an import block
	regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:\w+\s+)?"([\w.\-/]+)"\s*$`),
}

// references extracts the module or file references a unit makes.
func references(unit models.WorkUnit) []string {
	text := unit.Content
	if text == "" {
		text = unit.Diff
	}
	seen := make(map[string]bool)
	var refs []string
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			ref := normalizeRef(m[1], unit.Language)
			if ref == "" || seen[ref] {
				continue
			}
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

func normalizeRef(ref, language string) string {
	ref = strings.TrimSpace(ref)
	for strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") {
		ref = strings.TrimPrefix(strings.TrimPrefix(ref, "./"), "../")
	}
	if language == "python" && !strings.Contains(ref, "/") {
		ref = strings.ReplaceAll(strings.TrimLeft(ref, "."), ".", "/")
	}
	return strings.Trim(ref, "/")
}

// resolves reports whether ref names the file or package at target.
func resolves(ref, target string) bool {
	if ref == "" {
		return false
	}
	noExt := strings.TrimSuffix(target, path.Ext(target))
	refNoExt := strings.TrimSuffix(ref, path.Ext(ref))
	dir := path.Dir(target)
	return hasPathSuffix(noExt, refNoExt) || hasPathSuffix(target, ref) || hasPathSuffix(dir, ref)
}

// hasPathSuffix is a suffix match on whole path segments.
func hasPathSuffix(p, suffix string) bool {
	if p == suffix {
		return true
	}
	return strings.HasSuffix(p, "/"+suffix)
}

// testPair returns the source path a test file covers, or "" when path is
// not a recognized test file.
func testPair(p string) string {
	dir, file := path.Split(p)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)
	switch {
	case strings.HasSuffix(base, "_test"):
		return dir + strings.TrimSuffix(base, "_test") + ext
	case strings.HasSuffix(base, ".test"):
		return dir + strings.TrimSuffix(base, ".test") + ext
	case strings.HasSuffix(base, ".spec"):
		return dir + strings.TrimSuffix(base, ".spec") + ext
	case strings.HasPrefix(base, "test_"):
		return dir + strings.TrimPrefix(base, "test_") + ext
	default:
		return ""
	}
}
