package cilocal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// A Resolver turns a [Reference] into a [BuildContext].
type Resolver struct {
	config RunConfig
	log    *logrus.Entry
}

// NewResolver returns a resolver for the passed run configuration
func NewResolver(config RunConfig) *Resolver {
	config = config.withDefaults()
	return &Resolver{
		config: config,
		log:    config.Log.WithField("step", "resolve"),
	}
}

// Resolve returns the build context for ref. A nil ref resolves to the working tree itself.
// For any other reference, an isolated directory is allocated which the caller has to release with [BuildContext.Release],
// even if the run is interrupted. On error, nothing is left behind.
func (r *Resolver) Resolve(ctx context.Context, ref Reference, overrideScript string) (*BuildContext, error) {
	if overrideScript != "" {
		abs, err := filepath.Abs(overrideScript)
		if err != nil {
			return nil, &ConfigError{Msg: "invalid override script path", Err: err}
		}
		if info, err := os.Stat(abs); err != nil || info.IsDir() {
			return nil, &ConfigError{Msg: fmt.Sprintf("override script %s is not a file", overrideScript), Err: err}
		}
		overrideScript = abs
	}

	if ref != nil {
		if _, err := exec.LookPath("git"); err != nil {
			return nil, &ConfigError{Msg: "git is required to build a reference", Err: err}
		}
	}

	switch ref := ref.(type) {
	case nil:
		return r.resolveWorkingTree(ctx, overrideScript)
	case LocalReference:
		return r.resolveLocal(ctx, ref, overrideScript)
	case RemoteReference:
		return r.resolveRemote(ctx, ref, overrideScript)
	}
	return nil, fmt.Errorf("unknown reference type %T", ref)
}

// workTree returns the root of the working tree the run was started in.
// Outside of a git repository, this is the working directory itself.
func (r *Resolver) workTree(ctx context.Context) (string, bool) {
	dir := r.config.WorkDir
	if dir == "" {
		dir = "."
	}
	if top, err := gitTopLevel(ctx, dir); err == nil {
		return top, true
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir, false
	}
	return abs, false
}

func (r *Resolver) resolveWorkingTree(ctx context.Context, overrideScript string) (*BuildContext, error) {
	dir, _ := r.workTree(ctx)

	if overrideScript == "" {
		if _, err := os.Stat(filepath.Join(dir, r.config.ScriptName)); err != nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("%s not found in %s and no override script given", r.config.ScriptName, dir), Err: err}
		}
	}

	r.log.Infof("Building the working tree at %s", dir)
	return &BuildContext{
		Dir:            dir,
		Prefix:         localPrefix(dir) + ":dirty",
		OverrideScript: overrideScript,
	}, nil
}

func (r *Resolver) resolveLocal(ctx context.Context, ref LocalReference, overrideScript string) (bc *BuildContext, err error) {
	top, isRepo := r.workTree(ctx)
	if !isRepo {
		return nil, &ConfigError{Msg: fmt.Sprintf("%s is not inside a git repository, can't resolve %s", top, ref.Raw)}
	}

	// Never fetch, the reference has to be known locally already
	commit, err := gitRevParse(ctx, top, ref.Raw)
	if err != nil {
		return nil, &ReferenceNotFoundError{Ref: ref.Raw}
	}
	r.log.Debugf("Reference %s resolved to %s", ref.Raw, commit)

	// Check the tree directly, before spending time on cloning
	if overrideScript == "" && !gitFileExists(ctx, top, commit, r.config.ScriptName) {
		return nil, &ReferenceScriptMissingError{Ref: ref.Raw, Script: r.config.ScriptName}
	}

	gitDir, err := gitCommonDir(ctx, top)
	if err != nil {
		return nil, &ConfigError{Msg: "couldn't locate the git directory of " + top, Err: err}
	}

	bc, err = r.allocate()
	if err != nil {
		return nil, err
	}
	allocated := bc
	defer func() {
		if err != nil {
			allocated.Release()
		}
	}()

	r.log.Infof("Cloning %s into %s...", top, bc.Dir)
	if _, stderr, err := runGit(ctx, "", nil, "clone", "--quiet", "--no-checkout", top, bc.Dir); err != nil {
		return nil, &CloneError{Source: top, Output: stderr, Err: err}
	}

	if err := copyRepoMetadata(ctx, gitDir, filepath.Join(bc.Dir, ".git")); err != nil {
		return nil, err
	}

	// The commit resolved above, the clone has neither the reflog nor the checkout history of the working tree
	if _, stderr, err := runGit(ctx, bc.Dir, nil, "-c", "advice.detachedHead=false", "checkout", "--quiet", commit); err != nil {
		return nil, &CheckoutError{Ref: ref.Raw, Output: stderr, Err: err}
	}

	if err := r.finishCheckout(ctx, bc, overrideScript, true); err != nil {
		return nil, err
	}

	bc.ShortTag = shortTag(ref.Raw)
	bc.Prefix = localPrefix(top) + ":" + bc.ShortTag
	return bc, nil
}

func (r *Resolver) resolveRemote(ctx context.Context, ref RemoteReference, overrideScript string) (bc *BuildContext, err error) {
	bc, err = r.allocate()
	if err != nil {
		return nil, err
	}
	allocated := bc
	defer func() {
		if err != nil {
			allocated.Release()
		}
	}()

	args := []string{"clone", "--quiet", "--depth", strconv.Itoa(r.config.CloneDepth)}
	if ref.Fragment != "" {
		// Checking out the fragment explicitly allows for commits, which can't be passed to --branch
		args = append(args, "--no-checkout", "--no-single-branch")
	}
	args = append(args, "--", ref.BaseURL, bc.Dir)

	r.log.Infof("Cloning %s into %s...", ref.BaseURL, bc.Dir)
	if _, stderr, err := runGit(ctx, "", nil, args...); err != nil {
		return nil, &CloneError{Source: ref.BaseURL, Output: stderr, Err: err}
	}

	if ref.Fragment != "" {
		if _, stderr, err := runGit(ctx, bc.Dir, nil, "-c", "advice.detachedHead=false", "checkout", "--quiet", ref.Fragment); err != nil {
			return nil, &CheckoutError{
				Ref:    ref.Fragment,
				Output: stderr,
				Err:    errors.Join(fmt.Errorf("%s may be older than the clone depth of %d", ref.Fragment, r.config.CloneDepth), err),
			}
		}
	}

	if err := r.finishCheckout(ctx, bc, overrideScript, false); err != nil {
		return nil, err
	}

	if overrideScript == "" {
		if _, err := os.Stat(filepath.Join(bc.Dir, r.config.ScriptName)); errors.Is(err, fs.ErrNotExist) {
			return nil, &ReferenceScriptMissingError{Ref: ref.String(), Script: r.config.ScriptName}
		}
	}

	bc.Prefix = remotePrefix(ref.BaseURL)
	if ref.Fragment != "" {
		bc.ShortTag = shortTag(ref.Fragment)
		bc.Prefix += ":" + bc.ShortTag
	}
	return bc, nil
}

// finishCheckout copies the override script into the checkout and initializes all submodules
func (r *Resolver) finishCheckout(ctx context.Context, bc *BuildContext, overrideScript string, localOnly bool) error {
	if overrideScript != "" {
		dst := filepath.Join(bc.Dir, filepath.Base(overrideScript))
		if err := copy.Copy(overrideScript, dst); err != nil {
			return errors.Join(fmt.Errorf("failed to copy override script %s into %s", overrideScript, bc.Dir), err)
		}
		bc.OverrideScript = dst
	}

	r.log.Info("Initializing submodules...")
	return initSubmodules(ctx, bc.Dir, localOnly)
}

// allocate creates the isolated directory of a build context
func (r *Resolver) allocate() (*BuildContext, error) {
	dir, err := os.MkdirTemp(r.config.TempDir, DriverName+"-")
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to allocate build context directory"), err)
	}
	return &BuildContext{Dir: dir, temporary: true}, nil
}

// localPrefix returns the naming prefix for builds of the repository at dir
func localPrefix(dir string) string {
	return "local-" + strings.ReplaceAll(filepath.Base(dir), ":", "_")
}
