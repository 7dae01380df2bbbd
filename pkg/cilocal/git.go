package cilocal

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runGit runs git with the passed arguments in dir and returns its trimmed stdout and stderr.
// env is appended to the environment of this process.
func runGit(ctx context.Context, dir string, env []string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// gitTopLevel returns the root of the working tree dir belongs to
func gitTopLevel(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, nil, "rev-parse", "--show-toplevel")
	return out, err
}

// gitCommonDir returns the absolute path of the git directory holding the refs of the working tree at dir
func gitCommonDir(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, nil, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(dir, out)
	}
	return out, nil
}

// gitRevParse resolves rev to a commit hash without touching the network
func gitRevParse(ctx context.Context, dir, rev string) (string, error) {
	out, _, err := runGit(ctx, dir, nil, "rev-parse", "--verify", "--quiet", "--end-of-options", rev+"^{commit}")
	return out, err
}

// gitFileExists reports whether path exists in the tree of rev
func gitFileExists(ctx context.Context, dir, rev, path string) bool {
	_, _, err := runGit(ctx, dir, nil, "cat-file", "-e", rev+":"+path)
	return err == nil
}
