package methods

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// DeleteFiles empties a directory.
func DeleteFiles(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dirPath, err)
	}
	var result error
	for _, entry := range entries {
		path := filepath.Join(dirPath, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", path, err))
		}
	}
	return result
}

// DeleteMatching removes every file matching the glob pattern and returns how
// many were removed. Missing files are not an error.
func DeleteMatching(pattern string) (int, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, err
	}
	removed := 0
	var result error
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed++
	}
	return removed, result
}

// RemoveFiles removes each path, ignoring ones already gone.
func RemoveFiles(paths ...string) error {
	var result error
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", path, err))
		}
	}
	return result
}

func GetAllFiles(path string) ([]string, error) {
	var files []string
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if filePath != path && !info.IsDir() {
			files = append(files, filePath)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
