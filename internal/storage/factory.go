package storage

import "fmt"

const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// NewStore builds a sink. path is a directory for the file backend and a
// database file for sqlite.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindFile:
		return NewFileStore(path), nil
	case KindSQLite:
		return newSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
