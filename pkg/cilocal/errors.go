package cilocal

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of these, so callers can classify with [errors.Is].
var (
	ErrConfig                 = errors.New("configuration error")
	ErrReferenceNotFound      = errors.New("reference not found")
	ErrReferenceScriptMissing = errors.New("ci script missing at reference")
	ErrClone                  = errors.New("clone failed")
	ErrCheckout               = errors.New("checkout failed")
	ErrBuild                  = errors.New("image build failed")
	ErrInstanceCreate         = errors.New("job instance creation failed")
)

// ConfigError reports a problem with the run configuration or the environment, found before any build starts.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", ErrConfig, e.Msg)
	}
	return fmt.Sprintf("%v: %s - %v", ErrConfig, e.Msg, e.Err)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfig, e.Err} }

// InvalidMountError is a [ConfigError] for a bind-mount specification not of the form host:container[:ro|rw].
type InvalidMountError struct {
	Spec string
}

func (e *InvalidMountError) Error() string {
	return fmt.Sprintf("%v: invalid mount %q, expected <host-path>:<container-path>[:ro|rw]", ErrConfig, e.Spec)
}

func (e *InvalidMountError) Unwrap() error { return ErrConfig }

// ReferenceNotFoundError is returned when a local reference cannot be resolved without fetching.
type ReferenceNotFoundError struct {
	Ref string
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("%v: %q is not known to the local repository, run git fetch first", ErrReferenceNotFound, e.Ref)
}

func (e *ReferenceNotFoundError) Unwrap() error { return ErrReferenceNotFound }

// ReferenceScriptMissingError is returned when the ci script does not exist in the tree of the requested reference.
type ReferenceScriptMissingError struct {
	Ref    string
	Script string
}

func (e *ReferenceScriptMissingError) Error() string {
	return fmt.Sprintf("%v: %s does not exist at %s", ErrReferenceScriptMissing, e.Script, e.Ref)
}

func (e *ReferenceScriptMissingError) Unwrap() error { return ErrReferenceScriptMissing }

// CloneError wraps a failed git clone.
type CloneError struct {
	Source string
	Output string
	Err    error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("%v: cloning %s - %v, output: %s", ErrClone, e.Source, e.Err, e.Output)
}

func (e *CloneError) Unwrap() []error { return []error{ErrClone, e.Err} }

// CheckoutError wraps a failed git checkout or submodule initialization.
type CheckoutError struct {
	Ref    string
	Output string
	Err    error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("%v: checking out %s - %v, output: %s", ErrCheckout, e.Ref, e.Err, e.Output)
}

func (e *CheckoutError) Unwrap() []error { return []error{ErrCheckout, e.Err} }

// BuildError is a per-descriptor image build failure.
type BuildError struct {
	Image string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%v: %s - %v", ErrBuild, e.Image, e.Err)
}

func (e *BuildError) Unwrap() []error { return []error{ErrBuild, e.Err} }

// InstanceCreateError is a per-descriptor failure to create the job container.
type InstanceCreateError struct {
	Image string
	Err   error
}

func (e *InstanceCreateError) Error() string {
	return fmt.Sprintf("%v: from image %s - %v", ErrInstanceCreate, e.Image, e.Err)
}

func (e *InstanceCreateError) Unwrap() []error { return []error{ErrInstanceCreate, e.Err} }

// Exit statuses for fatal errors. They are kept apart from the failure count a completed run exits with.
const (
	ExitConfig             = 101
	ExitReferenceNotFound  = 102
	ExitScriptMissing      = 103
	ExitVersionControl     = 104
	ExitUnclassifiedFailed = 125
)

// ExitCode maps a fatal error returned by [Pipeline.Run] to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrReferenceNotFound):
		return ExitReferenceNotFound
	case errors.Is(err, ErrReferenceScriptMissing):
		return ExitScriptMissing
	case errors.Is(err, ErrClone), errors.Is(err, ErrCheckout):
		return ExitVersionControl
	}
	return ExitUnclassifiedFailed
}
