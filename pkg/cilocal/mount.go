package cilocal

import (
	"regexp"
	"strings"
)

// A Mount is a bind mount of a host path into every job instance.
type Mount struct {
	Source   string // Path on the host running the container engine
	Target   string // Path inside the container
	ReadOnly bool
}

// Colons inside either path have to be escaped as `\:`.
var mountRegex = regexp.MustCompile(`^((?:[^:\\]|\\.)+):((?:[^:\\]|\\.)+)(?::(ro|rw))?$`)

// ParseMounts parses bind-mount options. Every option may itself be a comma separated list of mounts.
// The first malformed mount results in an [InvalidMountError].
func ParseMounts(options []string) ([]Mount, error) {
	var mounts []Mount
	for _, option := range options {
		for _, spec := range strings.Split(option, ",") {
			m, err := parseMount(spec)
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, m)
		}
	}
	return mounts, nil
}

func parseMount(spec string) (Mount, error) {
	groups := mountRegex.FindStringSubmatch(spec)
	if groups == nil {
		return Mount{}, &InvalidMountError{Spec: spec}
	}
	unescape := strings.NewReplacer(`\:`, ":").Replace
	return Mount{
		Source:   unescape(groups[1]),
		Target:   unescape(groups[2]),
		ReadOnly: groups[3] == "ro",
	}, nil
}

// String returns the mount in the form it is accepted by [ParseMounts]
func (m Mount) String() string {
	escape := strings.NewReplacer(":", `\:`).Replace
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	return escape(m.Source) + ":" + escape(m.Target) + ":" + mode
}
