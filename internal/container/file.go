package container

import (
	"os"

	"github.com/xyproto/barf/internal/logger"
	"github.com/xyproto/barf/internal/object"
)

// ReadFile reads and decodes the container at path
func ReadFile(path string) (*object.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := decodeNamed(path, data)
	if err != nil {
		return nil, err
	}
	logger.LogContainerRead(path, len(a.Sections), len(a.Symbols), len(a.Imports))
	return a, nil
}

// DecodeFile decodes container bytes that were read from path, so errors
// name the file
func DecodeFile(path string, data []byte) (*object.Artifact, error) {
	return decodeNamed(path, data)
}

// WriteFile encodes a and writes it to path. Nothing is written when
// encoding fails.
func WriteFile(path string, a *object.Artifact) error {
	data, err := Marshal(a)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	logger.LogContainerWritten(path, len(data))
	return nil
}
