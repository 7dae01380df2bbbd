package cilocal

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGitEnv = []string{
	"GIT_AUTHOR_NAME=cilocal",
	"GIT_AUTHOR_EMAIL=cilocal@example.com",
	"GIT_COMMITTER_NAME=cilocal",
	"GIT_COMMITTER_EMAIL=cilocal@example.com",
	"GIT_CONFIG_GLOBAL=/dev/null",
	"GIT_CONFIG_NOSYSTEM=1",
}

func requireGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
}

func gitT(t *testing.T, dir string, args ...string) string {
	out, stderr, err := runGit(context.Background(), dir, testGitEnv, args...)
	require.NoErrorf(t, err, "git %v failed: %s", args, stderr)
	return out
}

func writeFileT(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
}

func commitT(t *testing.T, dir, message string) string {
	gitT(t, dir, "add", "-A")
	gitT(t, dir, "commit", "-q", "-m", message)
	return gitT(t, dir, "rev-parse", "HEAD")
}

// testRepo is a repository with the commits
//
//	noScript: only a README
//	v1:       ci.sh "v1", also branch feature and tag v1
//	v2:       ci.sh "v2", head of main
//
// and a dirty working tree with ci.sh "dirty". feature was checked out before main.
type testRepo struct {
	dir                string
	noScript, v1, v2   string
	tempDir            string // Where build contexts are allocated
	resolverConfigBase RunConfig
}

func newTestRepo(t *testing.T) *testRepo {
	requireGit(t)

	dir := t.TempDir()
	gitT(t, dir, "init", "-q", "-b", "main")

	repo := &testRepo{dir: dir, tempDir: t.TempDir()}

	writeFileT(t, filepath.Join(dir, "README"), "readme\n")
	repo.noScript = commitT(t, dir, "readme")

	writeFileT(t, filepath.Join(dir, "ci.sh"), "#!/bin/sh\necho v1\n")
	repo.v1 = commitT(t, dir, "v1")
	gitT(t, dir, "branch", "feature")
	gitT(t, dir, "tag", "v1")

	writeFileT(t, filepath.Join(dir, "ci.sh"), "#!/bin/sh\necho v2\n")
	repo.v2 = commitT(t, dir, "v2")
	// Leaves feature as the previously checked out branch
	gitT(t, dir, "checkout", "-q", "feature")
	gitT(t, dir, "checkout", "-q", "main")

	writeFileT(t, filepath.Join(dir, "ci.sh"), "#!/bin/sh\necho dirty\n")

	repo.resolverConfigBase = RunConfig{WorkDir: dir, TempDir: repo.tempDir}
	return repo
}

func (r *testRepo) resolver() *Resolver {
	return NewResolver(r.resolverConfigBase)
}

// assertNoLeftovers fails if any build context directory is left behind
func (r *testRepo) assertNoLeftovers(t *testing.T) {
	entries, err := os.ReadDir(r.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "Build context directory was left behind")
}

func readFileT(t *testing.T, path string) string {
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestResolveWorkingTree(t *testing.T) {
	repo := newTestRepo(t)

	t.Run("Working tree is used directly", func(t *testing.T) {
		bc, err := repo.resolver().Resolve(context.Background(), nil, "")
		require.NoError(t, err)

		assert.Equal(t, filepath.Base(repo.dir), filepath.Base(bc.Dir))
		assert.Equal(t, "local-"+filepath.Base(repo.dir)+":dirty", bc.Prefix)
		assert.Empty(t, bc.ShortTag)
		assert.Equal(t, "#!/bin/sh\necho dirty\n", readFileT(t, filepath.Join(bc.Dir, "ci.sh")))

		require.NoError(t, bc.Release())
		assert.FileExists(t, filepath.Join(repo.dir, "ci.sh"), "Releasing must never remove the working tree")
		repo.assertNoLeftovers(t)
	})

	t.Run("Missing script is a config error", func(t *testing.T) {
		dir := t.TempDir()
		_, err := NewResolver(RunConfig{WorkDir: dir}).Resolve(context.Background(), nil, "")
		assert.ErrorIs(t, err, ErrConfig)
	})

	t.Run("Override script replaces the missing script", func(t *testing.T) {
		dir := t.TempDir()
		script := filepath.Join(t.TempDir(), "debug.sh")
		writeFileT(t, script, "#!/bin/sh\n")

		bc, err := NewResolver(RunConfig{WorkDir: dir}).Resolve(context.Background(), nil, script)
		require.NoError(t, err)
		assert.Equal(t, script, bc.OverrideScript)
	})

	t.Run("Missing override script is a config error", func(t *testing.T) {
		_, err := repo.resolver().Resolve(context.Background(), nil, filepath.Join(t.TempDir(), "nope.sh"))
		assert.ErrorIs(t, err, ErrConfig)
	})
}

func TestResolveLocal(t *testing.T) {
	repo := newTestRepo(t)

	t.Run("Script at the reference is used", func(t *testing.T) {
		for _, ref := range []string{repo.v1, "feature", "v1", repo.v1[:10]} {
			bc, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: ref}, "")
			require.NoError(t, err, "Resolving %s failed", ref)

			assert.Equal(t, gitT(t, repo.dir, "show", repo.v1+":ci.sh")+"\n", readFileT(t, filepath.Join(bc.Dir, "ci.sh")))
			assert.Equal(t, repo.v1, gitT(t, bc.Dir, "rev-parse", "HEAD"))
			assert.NotEqual(t, repo.dir, bc.Dir)

			require.NoError(t, bc.Release())
			repo.assertNoLeftovers(t)
		}
	})

	t.Run("Checkout history of the working tree", func(t *testing.T) {
		bc, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: "@{-1}"}, "")
		require.NoError(t, err)

		assert.Equal(t, repo.v1, gitT(t, bc.Dir, "rev-parse", "HEAD"))
		assert.Equal(t, "#!/bin/sh\necho v1\n", readFileT(t, filepath.Join(bc.Dir, "ci.sh")))

		require.NoError(t, bc.Release())
		repo.assertNoLeftovers(t)
	})

	t.Run("Naming prefix and short tag", func(t *testing.T) {
		bc, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: repo.v1}, "")
		require.NoError(t, err)
		defer bc.Release()

		assert.Equal(t, repo.v1[:6], bc.ShortTag)
		assert.Equal(t, "local-"+filepath.Base(repo.dir)+":"+repo.v1[:6], bc.Prefix)

		bc2, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: "feature"}, "")
		require.NoError(t, err)
		defer bc2.Release()
		assert.Equal(t, "feature", bc2.ShortTag)
	})

	t.Run("Ref database and remote config are carried over", func(t *testing.T) {
		gitT(t, repo.dir, "config", "remote.upstream.url", "https://example.invalid/upstream.git")
		defer gitT(t, repo.dir, "config", "--unset", "remote.upstream.url")

		bc, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: "main"}, "")
		require.NoError(t, err)
		defer bc.Release()

		assert.Equal(t, repo.v1, gitT(t, bc.Dir, "rev-parse", "v1^{commit}"))
		assert.Equal(t, repo.v1, gitT(t, bc.Dir, "rev-parse", "refs/heads/feature"))
		assert.Equal(t, "https://example.invalid/upstream.git", gitT(t, bc.Dir, "config", "remote.upstream.url"))
		assert.Equal(t, "#!/bin/sh\necho v2\n", readFileT(t, filepath.Join(bc.Dir, "ci.sh")))
	})

	t.Run("Unknown reference is not fetched", func(t *testing.T) {
		_, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: "does-not-exist"}, "")

		var notFound *ReferenceNotFoundError
		require.True(t, errors.As(err, &notFound), "Unexpected error %v", err)
		assert.Equal(t, "does-not-exist", notFound.Ref)
		assert.Equal(t, ExitReferenceNotFound, ExitCode(err))
		repo.assertNoLeftovers(t)
	})

	t.Run("Missing script at reference fails before cloning", func(t *testing.T) {
		_, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: repo.noScript}, "")

		var missing *ReferenceScriptMissingError
		require.True(t, errors.As(err, &missing), "Unexpected error %v", err)
		assert.Equal(t, "ci.sh", missing.Script)
		repo.assertNoLeftovers(t)
	})

	t.Run("Override script is copied into the context", func(t *testing.T) {
		script := filepath.Join(t.TempDir(), "debug.sh")
		writeFileT(t, script, "#!/bin/sh\necho debug\n")

		bc, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: repo.noScript}, script)
		require.NoError(t, err)
		defer bc.Release()

		assert.Equal(t, filepath.Join(bc.Dir, "debug.sh"), bc.OverrideScript)
		assert.Equal(t, "#!/bin/sh\necho debug\n", readFileT(t, bc.OverrideScript))
		assert.NoFileExists(t, filepath.Join(bc.Dir, "ci.sh"))
	})

	t.Run("Outside of a repository", func(t *testing.T) {
		_, err := NewResolver(RunConfig{WorkDir: t.TempDir(), TempDir: repo.tempDir}).Resolve(context.Background(), LocalReference{Raw: "main"}, "")
		assert.ErrorIs(t, err, ErrConfig)
		repo.assertNoLeftovers(t)
	})
}

func TestResolveLocalSubmodules(t *testing.T) {
	repo := newTestRepo(t)

	sub := t.TempDir()
	gitT(t, sub, "init", "-q", "-b", "main")
	writeFileT(t, filepath.Join(sub, "lib.txt"), "library\n")
	commitT(t, sub, "lib")

	gitT(t, repo.dir, "-c", "protocol.file.allow=always", "submodule", "add", "-q", sub, "lib")
	commitT(t, repo.dir, "add submodule")

	// Any fetch of the submodule would now have to go over the network
	gitT(t, repo.dir, "config", "submodule.lib.url", "https://example.invalid/lib.git")

	bc, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: "main"}, "")
	require.NoError(t, err)
	defer bc.Release()

	assert.Equal(t, "library\n", readFileT(t, filepath.Join(bc.Dir, "lib", "lib.txt")))
}

func TestResolveLocalSubmoduleCommitMissing(t *testing.T) {
	repo := newTestRepo(t)

	sub := t.TempDir()
	gitT(t, sub, "init", "-q", "-b", "main")
	writeFileT(t, filepath.Join(sub, "lib.txt"), "library\n")
	commitT(t, sub, "lib")

	gitT(t, repo.dir, "-c", "protocol.file.allow=always", "submodule", "add", "-q", sub, "lib")
	commitT(t, repo.dir, "add submodule")

	// Point the superproject at a submodule commit that was never fetched into the working tree
	writeFileT(t, filepath.Join(sub, "lib.txt"), "library v2\n")
	unfetched := commitT(t, sub, "lib v2")
	gitT(t, repo.dir, "update-index", "--cacheinfo", "160000,"+unfetched+",lib")
	gitT(t, repo.dir, "commit", "-q", "-m", "bump submodule")
	gitT(t, repo.dir, "config", "submodule.lib.url", "https://example.invalid/lib.git")
	gitT(t, filepath.Join(repo.dir, "lib"), "config", "remote.origin.url", "https://example.invalid/lib.git")

	bc, err := repo.resolver().Resolve(context.Background(), LocalReference{Raw: "main"}, "")

	assert.Nil(t, bc)
	var checkoutErr *CheckoutError
	require.True(t, errors.As(err, &checkoutErr), "Unexpected error %v", err)
	assert.Equal(t, ExitVersionControl, ExitCode(err))
	repo.assertNoLeftovers(t)
}

func TestResolveRemote(t *testing.T) {
	repo := newTestRepo(t)
	url := "file://" + repo.dir

	t.Run("Commit fragment is checked out", func(t *testing.T) {
		bc, err := repo.resolver().Resolve(context.Background(), RemoteReference{BaseURL: url, Fragment: repo.v1}, "")
		require.NoError(t, err)

		assert.Equal(t, repo.v1, gitT(t, bc.Dir, "rev-parse", "HEAD"))
		assert.Equal(t, repo.v1[:6], bc.ShortTag)
		assert.Equal(t, remotePrefix(url)+":"+repo.v1[:6], bc.Prefix)
		assert.Equal(t, "#!/bin/sh\necho v1\n", readFileT(t, filepath.Join(bc.Dir, "ci.sh")))

		require.NoError(t, bc.Release())
		repo.assertNoLeftovers(t)
	})

	t.Run("Branch fragment is checked out", func(t *testing.T) {
		bc, err := repo.resolver().Resolve(context.Background(), RemoteReference{BaseURL: url, Fragment: "feature"}, "")
		require.NoError(t, err)
		defer bc.Release()

		assert.Equal(t, repo.v1, gitT(t, bc.Dir, "rev-parse", "HEAD"))
		assert.Equal(t, "feature", bc.ShortTag)
	})

	t.Run("Default branch without fragment", func(t *testing.T) {
		bc, err := repo.resolver().Resolve(context.Background(), RemoteReference{BaseURL: url}, "")
		require.NoError(t, err)
		defer bc.Release()

		assert.Equal(t, repo.v2, gitT(t, bc.Dir, "rev-parse", "HEAD"))
		assert.Empty(t, bc.ShortTag)
		assert.Equal(t, remotePrefix(url), bc.Prefix)
		assert.True(t, strings.HasSuffix(bc.Prefix, filepath.Base(repo.dir)))
	})

	t.Run("History is limited", func(t *testing.T) {
		bc, err := NewResolver(RunConfig{WorkDir: repo.dir, TempDir: repo.tempDir, CloneDepth: 1}).Resolve(context.Background(), RemoteReference{BaseURL: url}, "")
		require.NoError(t, err)
		defer bc.Release()

		assert.Equal(t, "1", gitT(t, bc.Dir, "rev-list", "--count", "HEAD"))
	})

	t.Run("Missing script is fatal", func(t *testing.T) {
		_, err := repo.resolver().Resolve(context.Background(), RemoteReference{BaseURL: url, Fragment: repo.noScript}, "")

		assert.ErrorIs(t, err, ErrReferenceScriptMissing)
		repo.assertNoLeftovers(t)
	})

	t.Run("Unknown fragment is a checkout error", func(t *testing.T) {
		_, err := repo.resolver().Resolve(context.Background(), RemoteReference{BaseURL: url, Fragment: "nope"}, "")

		var checkoutErr *CheckoutError
		assert.True(t, errors.As(err, &checkoutErr), "Unexpected error %v", err)
		repo.assertNoLeftovers(t)
	})

	t.Run("Unreachable repository is a clone error", func(t *testing.T) {
		_, err := repo.resolver().Resolve(context.Background(), RemoteReference{BaseURL: "file://" + filepath.Join(t.TempDir(), "nope")}, "")

		assert.ErrorIs(t, err, ErrClone)
		assert.Equal(t, ExitVersionControl, ExitCode(err))
		repo.assertNoLeftovers(t)
	})
}
