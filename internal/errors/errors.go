// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned by the fetch capability when GitHub rejects the
// token. It aborts the whole run.
var ErrUnauthorized = errors.New("github rejected the credentials (401)")

// FetchError is a per-item fetch failure. It is recorded and the batch moves on.
type FetchError struct {
	URL       string
	Status    int
	Retriable bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s failed with status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s failed with status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrUnknownDataset is returned when a logical dataset name was never registered with the store.
type ErrUnknownDataset struct {
	Name string
}

func (e *ErrUnknownDataset) Error() string {
	return fmt.Sprintf("unknown dataset: %q", e.Name)
}

// ErrInvalidSchema is returned for a schema that cannot drive a reconciliation.
type ErrInvalidSchema struct {
	Name   string
	Reason string
}

func (e *ErrInvalidSchema) Error() string {
	return fmt.Sprintf("invalid schema %q: %s", e.Name, e.Reason)
}

// ErrUnknownRelation is returned when a configured relation is not in the catalogue.
type ErrUnknownRelation struct {
	Name string
}

func (e *ErrUnknownRelation) Error() string {
	return fmt.Sprintf("unknown relation: %q", e.Name)
}
