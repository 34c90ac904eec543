package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for a regular file called name in dir and each of its parents, and returns the first match.
// It returns "" if there is none, or if a directory on the way up cannot be read.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return ""
		}
		for _, e := range entries {
			if name == e.Name() && e.Type().IsRegular() {
				return filepath.Join(curDir, name)
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
