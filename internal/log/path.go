package log

import (
	"os"
	"path/filepath"
)

// GetLogDir returns the directory for seclab log files, creating it if needed.
// Preference order: <dataDir>/logs, ~/.seclab/logs, then the temp directory.
func GetLogDir(dataDir string) string {
	candidates := []string{}
	if dataDir != "" {
		candidates = append(candidates, filepath.Join(dataDir, "logs"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".seclab", "logs"))
	}
	for _, dir := range candidates {
		if writable(dir) {
			return dir
		}
	}
	dir := filepath.Join(os.TempDir(), "seclab")
	_ = os.MkdirAll(dir, 0755)
	return dir
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false
	}
	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(testFile)
	return true
}

// GetLogFilePath returns the full path to the main log file.
func GetLogFilePath(dataDir string) string {
	return filepath.Join(GetLogDir(dataDir), "seclab.log")
}
