package cilocal

import (
	"os"
	"path/filepath"
	"strings"
)

// A BuildContext is the directory every job image of a run is built from.
// It is shared by all descriptors of the run and must not be modified once resolved.
type BuildContext struct {
	Dir string // Root of the build context

	// Human readable naming prefix of images built from this context, of the form name[:tag]
	Prefix string
	// Tag derived from the requested revision, empty when building the working tree
	ShortTag string

	// Absolute path of the override script replacing the default script, empty if none
	OverrideScript string

	temporary bool // Whether Dir was allocated for this run and has to be removed on release
}

// Release removes the context directory if it was allocated for this run.
// The working tree is never removed. Release may be called multiple times.
func (b *BuildContext) Release() error {
	if b == nil || !b.temporary || b.Dir == "" {
		return nil
	}
	return os.RemoveAll(b.Dir)
}

// prefixParts splits the naming prefix into the image name part and the tag part.
func (b *BuildContext) prefixParts() (string, string) {
	name, tag, _ := strings.Cut(b.Prefix, ":")
	return name, tag
}

// entryScript returns the filename of the script invoked by the jobs built from this context
func (b *BuildContext) entryScript(config RunConfig) string {
	if b.OverrideScript != "" {
		return filepath.Base(b.OverrideScript)
	}
	return config.ScriptName
}
