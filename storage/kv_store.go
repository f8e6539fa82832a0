package storage

import "errors"

var (
	// ErrDbClosed is returned when the
	//storage is already closed
	ErrDbClosed = errors.New("storage closed")

	// ErrKeyNotFound is returned if the requested
	// key is not found in the storage
	ErrKeyNotFound = errors.New("key not found")
)
