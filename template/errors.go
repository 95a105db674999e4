package template

import (
	"errors"
	"fmt"
)

// Lookup errors.
var (
	// ErrUnknownSection is returned when a section key is not in the catalogue.
	ErrUnknownSection = errors.New("unknown section")

	// ErrUnknownDocument is returned when a document type is not registered.
	ErrUnknownDocument = errors.New("unknown document type")
)

// LoadError describes why a library failed to load. Loading is all-or-nothing:
// when a LoadError is returned no catalogue is produced.
type LoadError struct {
	File   string
	Key    string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := "template load failed"
	if e.File != "" {
		msg += ": " + e.File
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" [%s]", e.Key)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError reports whether err is (or wraps) a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
