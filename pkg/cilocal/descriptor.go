package cilocal

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// A JobDescriptor identifies one dockerfile of a build context, which is built and run as a single job.
type JobDescriptor struct {
	Filename string // Name of the dockerfile at the root of the build context, empty for the synthesized default
	Suffix   string // Remainder of the filename after the descriptor prefix, empty for the synthesized default

	content []byte // Dockerfile contents of the synthesized default descriptor
}

// Name returns a human readable name of the descriptor
func (d JobDescriptor) Name() string {
	if d.Filename == "" {
		return "default"
	}
	return d.Filename
}

// IsDefault reports whether this is the synthesized default descriptor
func (d JobDescriptor) IsDefault() bool {
	return d.Filename == ""
}

// DiscoverDescriptors returns all job descriptors at the top level of dir, ordered by filename.
// If there are none, a single synthesized default descriptor running config.ScriptName is returned.
func DiscoverDescriptors(dir string, config RunConfig) ([]JobDescriptor, error) {
	config = config.withDefaults()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to list build context %s", dir), err)
	}

	var descriptors []JobDescriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		suffix, ok := descriptorSuffix(entry.Name(), config.DescriptorPrefix)
		if !ok {
			continue
		}
		descriptors = append(descriptors, JobDescriptor{
			Filename: entry.Name(),
			Suffix:   suffix,
		})
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Filename < descriptors[j].Filename
	})

	if len(descriptors) == 0 {
		descriptors = append(descriptors, defaultDescriptor(config.ScriptName))
	}
	return descriptors, nil
}

// descriptorSuffix strips the descriptor prefix from filename.
// The empty suffix is reserved for the synthesized default descriptor and is not a match.
func descriptorSuffix(filename, prefix string) (string, bool) {
	suffix, found := strings.CutPrefix(filename, prefix)
	if !found || suffix == "" {
		return "", false
	}
	return suffix, true
}

// defaultDockerfile is a minimal image copying the build context and running the ci script as the invoking operator
const defaultDockerfile = `FROM debian:stable-slim

ARG UID=1000
ARG GID=1000
ARG CI_DRIVER
ENV CI_DRIVER=${CI_DRIVER}

RUN apt-get update \
 && apt-get install -y --no-install-recommends build-essential ca-certificates git \
 && rm -rf /var/lib/apt/lists/*
RUN (getent group ${GID} || groupadd -g ${GID} ci) \
 && useradd -m -o -u ${UID} -g ${GID} ci

WORKDIR /src
COPY --chown=${UID}:${GID} . /src

CMD ["./%s"]
`

func defaultDescriptor(scriptName string) JobDescriptor {
	return JobDescriptor{
		content: []byte(fmt.Sprintf(defaultDockerfile, scriptName)),
	}
}
