package cilocal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
	"github.com/opencontainers/go-digest"
)

// readDockerfile returns the dockerfile contents of the descriptor in the build context at dir
func readDockerfile(desc JobDescriptor, dir string) ([]byte, error) {
	if desc.IsDefault() {
		return desc.content, nil
	}
	return os.ReadFile(filepath.Join(dir, desc.Filename))
}

// replaceEntryCommand replaces the final instruction of the dockerfile with a CMD invoking script.
// Instructions spanning multiple lines are removed as a whole.
func replaceEntryCommand(dockerfile []byte, script string) ([]byte, error) {
	res, err := parser.Parse(bytes.NewReader(dockerfile))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to parse dockerfile"), err)
	}
	if len(res.AST.Children) == 0 {
		return nil, fmt.Errorf("dockerfile has no instructions")
	}
	last := res.AST.Children[len(res.AST.Children)-1]

	lines := strings.Split(string(dockerfile), "\n")
	kept := lines[:last.StartLine-1]

	var out bytes.Buffer
	for _, line := range kept {
		out.WriteString(line)
		out.WriteByte('\n')
	}
	fmt.Fprintf(&out, "CMD [%q]\n", "./"+script)
	return out.Bytes(), nil
}

// dockerfileDigest identifies the contents of a dockerfile. It is stored as a label on built images.
func dockerfileDigest(dockerfile []byte) string {
	return digest.FromBytes(dockerfile).String()
}
