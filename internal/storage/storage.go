// Package storage abstracts the remote file store holding uploaded
// audio and the metadata ledger document.
package storage

import (
	"errors"
	"io"
)

// ErrNotFound is returned by Get for paths that do not exist.
var ErrNotFound = errors.New("file not found")

type Store interface {
	// Put streams r to path, creating parent directories as needed,
	// and returns the number of bytes written.
	Put(path string, r io.Reader) (int64, error)
	Get(path string) ([]byte, error)
	Delete(path string) error
	Exists(path string) (bool, error)
}
