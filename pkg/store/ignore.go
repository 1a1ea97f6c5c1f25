package store

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
)

// RecordExt is the extension of every record file.
const RecordExt = ".json"

// IgnorePatterns name files that live in the catalog directory but are not
// records: the version marker and other dotfiles, "_" prefixed templates and
// directory markers, in-flight temp files and backup manifests.
var IgnorePatterns = []string{
	".*",
	"_*",
	"*.template.json",
	"*.tmp*",
	"manifest.json",
}

// Ignored reports whether name is a non-record file, and the pattern that
// matched. Files without the record extension are always ignored.
func Ignored(name string) (bool, string) {
	base := filepath.Base(name)
	for _, p := range IgnorePatterns {
		if ok, _ := doublestar.Match(p, base); ok {
			return true, p
		}
	}
	if !strings.HasSuffix(base, RecordExt) {
		return true, "*" + RecordExt
	}
	return false, ""
}

// IDFromFile returns the record id implied by a file name.
func IDFromFile(name string) string {
	return strings.TrimSuffix(filepath.Base(name), RecordExt)
}

// ValidID reports whether id is a well-formed entry id whose record file
// name would not be skipped as a non-record on the next scan.
func ValidID(id string) bool {
	if !instruction.ValidID(id) {
		return false
	}
	ignored, _ := Ignored(id + RecordExt)
	return !ignored
}
