package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// SanitizePath strips trailing brace/space/tab artifacts that conversion
// backends leak from unescaped format strings, then resolves the result to
// an absolute cleaned path. Empty or artifact-only input returns "" so
// callers never act on a garbage path.
func SanitizePath(raw string) string {
	trimmed := strings.TrimRight(raw, "} \t\r\n")
	if trimmed == "" {
		return ""
	}
	abs, err := filepath.Abs(filepath.Clean(trimmed))
	if err != nil {
		return ""
	}
	return abs
}

// FileNonEmpty reports whether path exists as a regular file with content.
func FileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed == 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	formatted := FormatBytes(uint64(bps))
	return formatted[:len(formatted)-1] + "B/s" // Slice off "B" and add "B/s"
}

// TempDir returns the staging directory for an output directory, creating it
// if needed.
func TempDir(outputDir string) (string, error) {
	dir := filepath.Join(outputDir, TempDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating staging directory: %v", err)
	}
	return dir, nil
}

// Clean removes the staging directory and stray .part files under dir.
func Clean(dir string) error {
	if dir == "" {
		dir = "."
	}
	tempDir := filepath.Join(dir, TempDirName)
	if _, err := os.Stat(tempDir); err == nil {
		if err := os.RemoveAll(tempDir); err != nil {
			return fmt.Errorf("error removing staging directory: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
