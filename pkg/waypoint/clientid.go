package waypoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const clientIDFile = "client-id"

// loadClientID returns the device id stored beside dbPath, creating it on first use.
// In-memory databases get a fresh id per process.
func loadClientID(dbPath string) (string, error) {
	if isMemoryPath(dbPath) {
		return uuid.NewString(), nil
	}

	path := filepath.Join(filepath.Dir(dbPath), clientIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read client id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write client id: %w", err)
	}
	return id, nil
}

func isMemoryPath(dbPath string) bool {
	return dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:")
}
