package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const filePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// FileDSN resolves path to an on-disk SQLite DSN, creating the parent
// directory when it does not exist yet.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create storage dir: %w", err)
	}
	return "file:" + abs + "?" + filePragmas, nil
}

// MemoryDSN names a shared-cache in-memory database. Connections using the
// same name see the same data until the last one closes.
func MemoryDSN(name string) string {
	return "file:" + strings.TrimSpace(name) + "?mode=memory&cache=shared"
}
