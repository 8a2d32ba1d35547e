// Package image parses and composes the container image references hoist
// deploys: <registry>/<namespace>/<name>:<tag>.
package image

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"
)

const LatestTag = "latest"

var ErrDigestReference = errors.New("image reference must use a tag, not a digest")

// conventionalTag matches <branch-slug>-<short commit hash>.
var conventionalTag = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*-[0-9a-f]{7,40}$`)

// Ref is a parsed, tagged image reference.
type Ref struct {
	raw      string
	Registry string
	Path     string
	Tag      string
}

// Parse validates s and splits it into registry, repository path and tag. A
// missing tag means latest. The registry is whatever precedes the first slash
// as written; docker.io is only assumed when s has no slash at all.
func Parse(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, errors.New("image reference is empty")
	}
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Ref{}, fmt.Errorf("parse image reference %q: %w", s, err)
	}
	if _, ok := named.(reference.Digested); ok {
		return Ref{}, fmt.Errorf("%q: %w", s, ErrDigestReference)
	}
	tag := LatestTag
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}

	name := s
	if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		name = name[:i]
	}
	r := Ref{Tag: tag}
	if i := strings.Index(name, "/"); i >= 0 {
		r.Registry, r.Path = name[:i], name[i+1:]
	} else {
		r.Registry, r.Path = reference.Domain(named), reference.Path(named)
	}
	r.raw = r.Registry + "/" + r.Path + ":" + r.Tag
	return r, nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(s string) Ref {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// FromParts composes a reference from REGISTRY_URL, IMAGE_NAME and
// IMAGE_TAG style values. The registry may carry a scheme, which is dropped.
func FromParts(registry, name, tag string) (Ref, error) {
	registry = strings.TrimSuffix(strings.TrimSpace(registry), "/")
	registry = strings.TrimPrefix(strings.TrimPrefix(registry, "https://"), "http://")
	name = strings.Trim(strings.TrimSpace(name), "/")
	tag = strings.TrimSpace(tag)
	if name == "" {
		return Ref{}, errors.New("image name is required")
	}
	if tag == "" {
		tag = LatestTag
	}
	s := name + ":" + tag
	if registry != "" {
		s = registry + "/" + s
	}
	return Parse(s)
}

func (r Ref) String() string { return r.raw }

// Repository is the reference without its tag.
func (r Ref) Repository() string { return r.Registry + "/" + r.Path }

// WithTag returns the same repository at another tag.
func (r Ref) WithTag(tag string) (Ref, error) {
	return Parse(r.Repository() + ":" + tag)
}

// Conventional reports whether the tag is latest or <branch>-<short-hash>.
func (r Ref) Conventional() bool {
	return r.Tag == LatestTag || conventionalTag.MatchString(r.Tag)
}
