package cilocal

import (
	"regexp"
	"strings"
)

// A Reference identifies the revision a run is built from. It is either a [LocalReference] or a [RemoteReference].
// A nil Reference means the current working tree.
type Reference interface {
	// String returns the reference as the user supplied it
	String() string

	isReference()
}

// LocalReference is a branch, tag, commit or remote-tracking name known to the local repository.
type LocalReference struct {
	Raw string
}

func (r LocalReference) String() string { return r.Raw }

func (LocalReference) isReference() {}

// RemoteReference is a network-addressable repository with an optional branch or commit fragment.
type RemoteReference struct {
	BaseURL  string
	Fragment string // Branch or commit after the '#', empty if none was given
}

func (r RemoteReference) String() string {
	if r.Fragment == "" {
		return r.BaseURL
	}
	return r.BaseURL + "#" + r.Fragment
}

func (RemoteReference) isReference() {}

var (
	// file is accepted in addition to the network schemes so that clones of repositories on disk can be requested explicitly
	urlSchemeRegex = regexp.MustCompile(`^(https?|git|ssh|file)://`)
	scpLikeRegex   = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:`)
	commitLikeRe   = regexp.MustCompile(`^[0-9a-fA-F]{6,40}$`)
)

// ParseReference classifies a user supplied reference string. An empty string yields a nil Reference.
func ParseReference(raw string) Reference {
	if raw == "" {
		return nil
	}
	if !urlSchemeRegex.MatchString(raw) && !scpLikeRegex.MatchString(raw) {
		return LocalReference{Raw: raw}
	}
	base, fragment, _ := strings.Cut(raw, "#")
	return RemoteReference{BaseURL: base, Fragment: fragment}
}

// shortTag returns the tag used to name images built from the passed revision.
// Commit-like revisions are truncated to 6 characters since image tags are length-bounded.
func shortTag(rev string) string {
	if commitLikeRe.MatchString(rev) {
		return rev[:6]
	}
	return rev
}

// remotePrefix turns a repository url into a naming prefix: the scheme is stripped and path separators are replaced.
func remotePrefix(baseURL string) string {
	prefix := urlSchemeRegex.ReplaceAllString(baseURL, "")
	prefix = strings.TrimSuffix(prefix, "/")
	return strings.NewReplacer("/", "_", ":", "_").Replace(prefix)
}
