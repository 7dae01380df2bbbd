package cilocal

import (
	"context"
	"io"
)

// ImageSpec describes an image build
type ImageSpec struct {
	Context    io.Reader // Tar archive of the build context
	Dockerfile string    // Path of the dockerfile inside the context
	Tag        string

	BuildArgs map[string]string
	Labels    map[string]string
}

// ContainerSpec describes a container to be created
type ContainerSpec struct {
	Name  string
	Image string
	User  string
	Cmd   []string // Overrides the image's CMD if not empty

	CapAdd     []string
	Privileged bool
	Mounts     []Mount

	Labels map[string]string
}

// A Session is the terminal an interactive container is attached to
type Session struct {
	In  io.Reader
	Out io.Writer

	// Descriptor of the terminal behind In, which is put into raw mode for the session
	InFd       uintptr
	IsTerminal bool
}

// Engine is the container tooling driven by a run.
// Whether it talks to a local or a remote daemon is up to its construction, the core does not distinguish.
type Engine interface {
	// BuildImage builds and tags an image, writing progress to out. It blocks until the build is done.
	BuildImage(ctx context.Context, spec ImageSpec, out io.Writer) error
	// CreateContainer creates, but does not start, a container and returns its id
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// StartAndWait starts a created container and blocks until it exits, streaming its output. It returns the exit status.
	StartAndWait(ctx context.Context, id string, stdout, stderr io.Writer) (int, error)
	// CommitContainer snapshots the filesystem of a container into a new image tagged ref
	CommitContainer(ctx context.Context, id, ref string) error
	// RunInteractive creates and starts a container attached to the terminal of session and blocks until it exits.
	// The container is removed once it exited. The caller closes session.In once the session is over.
	RunInteractive(ctx context.Context, spec ContainerSpec, session Session) error
	RemoveContainer(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, ref string) error
	Close() error
}
