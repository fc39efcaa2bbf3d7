package cache

import (
	"fmt"

	"github.com/vigilhome/vigil-agent/internal/errors"
)

var (
	// ErrBodyUsed is returned when a consumed response is cloned or read again.
	ErrBodyUsed = errors.NewStd("cache: response body already used")
	// ErrNoGeneration is returned by Activate when nothing has been installed.
	ErrNoGeneration = errors.NewStd("cache: no installed generation to activate")
	// ErrInvalidGeneration is returned by Install for an empty ID or manifest.
	ErrInvalidGeneration = errors.NewStd("cache: generation requires an id and a manifest")
	// ErrStoreDeleted is returned by writes through a handle whose store was deleted.
	ErrStoreDeleted = errors.NewStd("cache: store has been deleted")
)

// InstallError reports why a generation could not be installed.
type InstallError struct {
	Generation string
	// Locator is the manifest entry that failed; empty when the batch write failed.
	Locator string
	// Status is set when the network answered with a non-OK status.
	Status int
	Err    error
}

func (e *InstallError) Error() string {
	switch {
	case e.Locator == "":
		return fmt.Sprintf("install %s: store entries: %v", e.Generation, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("install %s: fetch %s: unexpected status %d", e.Generation, e.Locator, e.Status)
	default:
		return fmt.Sprintf("install %s: fetch %s: %v", e.Generation, e.Locator, e.Err)
	}
}

func (e *InstallError) Unwrap() error { return e.Err }

// ActivationError reports stores that could not be retired.
type ActivationError struct {
	Generation string
	Failed     []string
	Err        error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: retire %v: %v", e.Generation, e.Failed, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

func installError(ie *InstallError) error {
	return errors.New(ie).
		Component("cache").
		Category(errors.CategoryInstall).
		Context("generation", ie.Generation).
		Context("locator", ie.Locator).
		Build()
}

func writeError(err error, generation, key string) error {
	return errors.New(fmt.Errorf("cache write %s: %w", key, err)).
		Component("cache").
		Category(errors.CategoryCache).
		Context("generation", generation).
		Context("key", key).
		Build()
}
