package cilocal

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/pkg/archive"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// Capabilities granted to every job instance, needed by build scripts using ptrace or perf counters
var jobCapabilities = []string{"SYS_PTRACE", "SYS_ADMIN"}

// Name of the generated dockerfile inside the build context archive
const generatedDockerfile = "." + DriverName + ".Dockerfile"

// An ImageHandle is the tagged name of a job image
type ImageHandle string

// A JobInstance is a created, but not yet started, container of a job image
type JobInstance struct {
	ID    string
	Name  string
	Image ImageHandle

	Descriptor JobDescriptor
}

// A Builder builds the image of a job descriptor and creates its job instance
type Builder struct {
	config RunConfig
	engine Engine
	ledger *Ledger
	log    *logrus.Logger
}

// NewBuilder returns a builder creating its images and instances with engine.
// Every created image and instance is recorded in ledger.
func NewBuilder(config RunConfig, engine Engine, ledger *Ledger) *Builder {
	config = config.withDefaults()
	return &Builder{
		config: config,
		engine: engine,
		ledger: ledger,
		log:    config.Log,
	}
}

// Build builds the image of desc from bc and creates a job instance from it.
// Returns a [BuildError] if the image could not be built and an [InstanceCreateError] if the instance could not be created.
func (b *Builder) Build(ctx context.Context, desc JobDescriptor, bc *BuildContext) (ImageHandle, *JobInstance, error) {
	log := b.log.WithField("descriptor", desc.Name())
	handle := imageHandle(b.config.Operator, bc, desc.Suffix)

	dockerfile, err := readDockerfile(desc, bc.Dir)
	if err != nil {
		return handle, nil, &BuildError{Image: string(handle), Err: err}
	}

	// Files added to the archive of the build context on top of the context directory
	extra := make(map[string][]byte)

	dockerfileName := desc.Filename
	if bc.OverrideScript != "" {
		script := filepath.Base(bc.OverrideScript)
		if dockerfile, err = replaceEntryCommand(dockerfile, script); err != nil {
			return handle, nil, &BuildError{Image: string(handle), Err: err}
		}
		if filepath.Dir(bc.OverrideScript) != filepath.Clean(bc.Dir) {
			content, err := os.ReadFile(bc.OverrideScript)
			if err != nil {
				return handle, nil, &BuildError{Image: string(handle), Err: err}
			}
			extra[script] = content
		}
	}
	if bc.OverrideScript != "" || desc.IsDefault() {
		dockerfileName = generatedDockerfile
		extra[dockerfileName] = dockerfile
	}

	buildCtx, err := contextArchive(bc.Dir, extra)
	if err != nil {
		return handle, nil, &BuildError{Image: string(handle), Err: err}
	}
	defer buildCtx.Close()

	imageLabels := objectLabels(b.config)
	imageLabels[DriverName+".dockerfile"] = dockerfileDigest(dockerfile)
	imageLabels[DriverName+".build-prefix"] = bc.Prefix

	log.Infof("Building image %s...", handle)
	start := time.Now()
	if err := b.engine.BuildImage(ctx, ImageSpec{
		Context:    buildCtx,
		Dockerfile: dockerfileName,
		Tag:        string(handle),
		BuildArgs: map[string]string{
			"UID":       b.config.Operator.UID,
			"GID":       b.config.Operator.GID,
			"CI_DRIVER": DriverName,
		},
		Labels:     imageLabels,
	}, b.config.Stdout); err != nil {
		return handle, nil, &BuildError{Image: string(handle), Err: err}
	}
	b.ledger.AddImage(string(handle), false)
	log.Infof("Built image %s in %s", handle, time.Since(start).Round(time.Millisecond))

	instance := &JobInstance{
		Name:       DriverName + "-" + strings.ToLower(uniuri.New()),
		Image:      handle,
		Descriptor: desc,
	}
	instance.ID, err = b.engine.CreateContainer(ctx, ContainerSpec{
		Name:   instance.Name,
		Image:  string(handle),
		User:   operatorUser(b.config.Operator),
		CapAdd: jobCapabilities,
		Mounts: b.config.Mounts,
		Labels: objectLabels(b.config),
	})
	if err != nil {
		return handle, nil, &InstanceCreateError{Image: string(handle), Err: err}
	}
	b.ledger.AddContainer(instance.ID)
	log.Debugf("Created job instance %s (ID: %s)", instance.Name, instance.ID)

	return handle, instance, nil
}

// objectLabels returns the labels put on every docker object created during a run
func objectLabels(config RunConfig) map[string]string {
	labels := map[string]string{DriverName: "1"}
	if config.RunID != "" {
		labels[DriverName+".run"] = config.RunID
	}
	return labels
}

// operatorUser returns the user job instances run as
func operatorUser(op Operator) string {
	if op.UID == "" {
		return ""
	}
	if op.GID == "" {
		return op.UID
	}
	return op.UID + ":" + op.GID
}

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9._-]+`)
	repeatedSepChars = regexp.MustCompile(`[._-]{2,}`)
	invalidTagChars  = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

// imageHandle returns the image name for jobs of the descriptor with the passed suffix.
// It only depends on the operator, the naming prefix of the build context and the suffix, so that
// repeated runs of an unchanged context reuse the cached layers of previous runs.
func imageHandle(op Operator, bc *BuildContext, suffix string) ImageHandle {
	name, tag := bc.prefixParts()
	if suffix != "" {
		name += "-" + suffix
		// Repository names are lower case, keep suffixes differing only in case apart
		if strings.ToLower(suffix) != suffix {
			name += "-" + digest.FromString(suffix).Encoded()[:6]
		}
	}

	user := op.Name
	if user == "" {
		user = "anonymous"
	}

	repo := DriverName + "-" + sanitizeNameComponent(user) + "/" + sanitizeNameComponent(name)

	tag = invalidTagChars.ReplaceAllString(tag, "_")
	tag = strings.TrimLeft(tag, ".-")
	if tag == "" {
		tag = "latest"
	}
	if len(tag) > 128 {
		tag = tag[:128]
	}
	return ImageHandle(repo + ":" + tag)
}

// sanitizeNameComponent turns s into a valid component of a docker repository name
func sanitizeNameComponent(s string) string {
	s = invalidNameChars.ReplaceAllString(strings.ToLower(s), "_")
	s = repeatedSepChars.ReplaceAllStringFunc(s, func(sep string) string {
		if sep == "__" {
			return sep
		}
		return sep[:1]
	})
	s = strings.Trim(s, "._-")
	if s == "" {
		return "x"
	}
	return s
}

// contextArchive returns a tar archive of dir, honoring its .dockerignore, with the extra files added at its root.
// Extra files replace files of dir with the same name.
func contextArchive(dir string, extra map[string][]byte) (io.ReadCloser, error) {
	var excludes []string
	if f, err := os.Open(filepath.Join(dir, ".dockerignore")); err == nil {
		excludes, err = ignorefile.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to read .dockerignore of %s", dir), err)
		}
	}
	for name := range extra {
		excludes = append(excludes, name)
	}

	dirTar, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: excludes,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("tar creation of build context %s failed", dir), err)
	}
	if len(extra) == 0 {
		return dirTar, nil
	}

	pr, pw := io.Pipe()
	go func() {
		defer dirTar.Close()
		pw.CloseWithError(appendToTar(pw, dirTar, extra))
	}()
	return pr, nil
}

// appendToTar copies the archive src to dst and appends the extra files
func appendToTar(dst io.Writer, src io.Reader, extra map[string][]byte) error {
	tw := tar.NewWriter(dst)
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}

	for name, content := range extra {
		if err := tw.WriteHeader(&tar.Header{
			Name:    name,
			Mode:    0755,
			Size:    int64(len(content)),
			ModTime: time.Unix(0, 0),
			Format:  tar.FormatPAX,
		}); err != nil {
			return err
		}
		if _, err := tw.Write(content); err != nil {
			return err
		}
	}
	return tw.Close()
}
