package storage

import (
	"context"
	"errors"
	"io"
)

// ErrInvalidName is returned for names that escape the storage root
var ErrInvalidName = errors.New("invalid asset name")

// Storage keeps binary assets such as character portraits under slash
// separated names like "portraits/100_512.jpg"
type Storage interface {
	// Save writes content under name, replacing any previous asset
	Save(ctx context.Context, name string, content io.Reader) error

	// Load opens the asset stored under name
	Load(ctx context.Context, name string) (io.ReadCloser, error)

	// List returns the names stored below dir
	List(ctx context.Context, dir string) ([]string, error)

	// Delete removes the asset stored under name
	Delete(ctx context.Context, name string) error
}
