package permission

import (
	"os"
	"path/filepath"
	"strings"
)

// isPathAllowed reports whether path lies inside one of roots. It works on
// the lexical form only and never touches the filesystem.
func isPathAllowed(path string, roots []string) (string, bool) {
	if path == "" {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	abs = filepath.Clean(abs)

	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		base, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if hasPathPrefix(abs, filepath.Clean(base)) {
			return abs, true
		}
	}
	return abs, false
}

func hasPathPrefix(p, base string) bool {
	if p == base {
		return true
	}
	if !strings.HasSuffix(base, string(os.PathSeparator)) {
		base += string(os.PathSeparator)
	}
	return strings.HasPrefix(p, base)
}
