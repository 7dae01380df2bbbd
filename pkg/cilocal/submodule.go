package cilocal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/otiai10/copy"
)

// The parts of a repository's metadata carried into isolated clones of it.
// Together they let nested repositories be initialized from already downloaded objects.
var carriedMetadata = []string{
	"refs",
	"packed-refs",
	"modules",
	"config",
}

// Config keys bound to the working tree of the source repository. They must not apply to a clone.
var worktreeConfigKeys = []string{
	"core.worktree",
	"core.sparseCheckout",
	"core.sparseCheckoutCone",
}

// copyRepoMetadata copies the ref database, initialized submodule repositories and the remote configuration
// of the git directory srcGitDir into dstGitDir, overwriting what the clone created.
// Only the files ref storage can be carried over, other ref storage formats are a [ConfigError].
func copyRepoMetadata(ctx context.Context, srcGitDir, dstGitDir string) error {
	srcConfig := filepath.Join(srcGitDir, "config")
	if storage, _, _ := runGit(ctx, "", nil, "config", "--file", srcConfig, "--get", "extensions.refStorage"); storage != "" && storage != "files" {
		return &ConfigError{Msg: fmt.Sprintf("%s uses the %s ref storage, only files is supported for building references", srcGitDir, storage)}
	}

	for _, name := range carriedMetadata {
		src := filepath.Join(srcGitDir, name)
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return &CloneError{Source: srcGitDir, Err: err}
		}
		if err := copy.Copy(src, filepath.Join(dstGitDir, name), copy.Options{
			Specials: true,
		}); err != nil {
			return &CloneError{Source: srcGitDir, Err: errors.Join(fmt.Errorf("failed to copy %s into %s", name, dstGitDir), err)}
		}
	}

	dstConfig := filepath.Join(dstGitDir, "config")
	for _, key := range worktreeConfigKeys {
		_, stderr, err := runGit(ctx, "", nil, "config", "--file", dstConfig, "--unset-all", key)
		// Exit status 5 means the key was not set
		var exitErr *exec.ExitError
		if err != nil && !(errors.As(err, &exitErr) && exitErr.ExitCode() == 5) {
			return &CloneError{Source: srcGitDir, Output: stderr, Err: errors.Join(fmt.Errorf("failed to unset %s in %s", key, dstConfig), err)}
		}
	}
	return nil
}

// initSubmodules recursively initializes all submodules of the checkout at dir.
// With localOnly set, git may only use the file transport, so a submodule commit which is not available
// locally fails the checkout instead of being fetched.
func initSubmodules(ctx context.Context, dir string, localOnly bool) error {
	var env []string
	if localOnly {
		env = append(env, "GIT_ALLOW_PROTOCOL=file")
	}
	_, stderr, err := runGit(ctx, dir, env, "submodule", "update", "--init", "--recursive")
	if err != nil {
		if localOnly {
			err = errors.Join(fmt.Errorf("submodules have to be initialized in the working tree first"), err)
		}
		return &CheckoutError{Ref: "submodules", Output: stderr, Err: err}
	}
	return nil
}
