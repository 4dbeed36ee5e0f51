package store

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const idTimeLayout = "20060102_150405"

// ProjectID derives the directory name for a project called name created at t.
func ProjectID(name string, t time.Time) string {
	return SanitizeName(name) + "_" + t.Format(idTimeLayout)
}

// SanitizeName keeps letters, digits, spaces, hyphens and underscores, trims the
// result and replaces spaces with underscores.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	safe := strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
	if safe == "" {
		return "project"
	}
	return safe
}

// validID rejects anything that is not a single plain path element.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, `/\`) {
		return false
	}
	return filepath.Base(id) == id
}

func validFolder(f Folder) bool {
	return f == "" || validID(string(f))
}
