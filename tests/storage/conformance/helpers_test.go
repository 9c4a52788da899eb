package conformance

import (
	"os"
	"strconv"

	"github.com/biocatchltd/heksher/internal/storage"
)

// noCloseStore wraps a shared store so the per-test Close is a no-op. The
// SQL backend tests reuse one connection pool across the whole suite.
type noCloseStore struct {
	storage.Storage
}

func (s *noCloseStore) Close() error {
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
