package clipper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// VideoExtensions lists the file extensions the index and clip listing scan for.
var VideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".wmv", ".flv", ".webm"}

// IsVideoFile reports whether name carries a recognized video extension.
func IsVideoFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range VideoExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ClipName builds the base clip filename for a match:
// "{matchName} - Field {n} - YYYYMMDD HHMMSS.mp4".
func ClipName(matchName string, field int, start time.Time) string {
	return fmt.Sprintf("%s - Field %d - %s.mp4",
		strings.TrimSpace(matchName), field, start.Format("20060102 150405"))
}

// ResolveCollision returns a path in dir for name that does not currently
// exist, appending _1, _2, ... before the extension as needed. The returned
// path can still race with concurrent writers; the extractor's exclusive
// create is the final arbiter.
func ResolveCollision(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if !exists(candidate) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if !exists(candidate) {
			return candidate
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
