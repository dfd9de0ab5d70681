package session

import (
	"fmt"
	"os"
	"sync"

	"github.com/dvelop42/cocode/log"
)

// TempFiles tracks temporary files handed to agents so they can be removed
// when a run ends, even if the agent is killed.
type TempFiles struct {
	dir string

	mu    sync.Mutex
	files map[string]struct{}
}

// NewTempFiles creates files in dir, or the OS temp directory when dir is empty.
func NewTempFiles(dir string) *TempFiles {
	return &TempFiles{dir: dir, files: make(map[string]struct{})}
}

// WriteIssueBody writes body to a private temp file and returns its path.
func (t *TempFiles) WriteIssueBody(issueNumber int, body string) (string, error) {
	f, err := os.CreateTemp(t.dir, fmt.Sprintf("cocode_*_issue_%d.txt", issueNumber))
	if err != nil {
		return "", fmt.Errorf("failed to create issue body file: %w", err)
	}
	path := f.Name()

	if err := f.Chmod(0600); err != nil {
		log.WarningLog.Printf("failed to restrict permissions on %s: %v", path, err)
	}
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write issue body file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to close issue body file: %w", err)
	}

	t.mu.Lock()
	t.files[path] = struct{}{}
	t.mu.Unlock()
	return path, nil
}

// Remove deletes a tracked file. Missing files are ignored.
func (t *TempFiles) Remove(path string) {
	t.mu.Lock()
	delete(t.files, path)
	t.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WarningLog.Printf("failed to remove temp file %s: %v", path, err)
	}
}

// Cleanup removes every tracked file and returns how many were tracked.
func (t *TempFiles) Cleanup() int {
	t.mu.Lock()
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	t.files = make(map[string]struct{})
	t.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.WarningLog.Printf("failed to remove temp file %s: %v", p, err)
		}
	}
	return len(paths)
}

// Count returns how many files are currently tracked.
func (t *TempFiles) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
