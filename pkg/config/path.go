package config

import (
	"path/filepath"
	"strconv"
	"strings"
)

// MetabasePath returns the configured locator path, or DefaultPath.
func (s State) MetabasePath() string {
	if p, ok := s.Env[EnvMetabasePath]; ok && strings.TrimSpace(p) != "" {
		return p
	}
	return DefaultPath
}

// Debug reports whether strict resolution was requested through the environment.
func (s State) Debug() bool {
	v, ok := s.Env[EnvMetabaseDebug]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		// any other non-empty value counts as set
		return v != ""
	}
	return b
}

// User is the issuing user recorded in resource metadata, or empty.
func (s State) User() string {
	return s.Env[EnvUser]
}

// SplitPath splits a locator path on sep, dropping blank entries.
func SplitPath(path, sep string) []string {
	if sep == "" {
		sep = DefaultSeparator
	}
	var result []string
	for _, p := range strings.Split(path, sep) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		result = append(result, p)
	}
	return result
}

// ExpandPath resolves a leading "~" against the home directory
// and a relative path against the working directory.
// Locators with a scheme prefix are returned unchanged.
func (s State) ExpandPath(p string) string {
	if HasScheme(p) {
		return p
	}
	switch {
	case p == "~":
		p = s.HomeDirectory
	case strings.HasPrefix(p, "~/"):
		p = filepath.Join(s.HomeDirectory, p[2:])
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.WorkingDirectory, p)
	}
	return filepath.Clean(p)
}

// HasScheme reports whether a locator names a non-filesystem backend, such as "mysql:" or "http://".
func HasScheme(p string) bool {
	i := strings.IndexByte(p, ':')
	if i <= 0 {
		return false
	}
	for _, r := range p[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+') {
			return false
		}
	}
	return true
}
