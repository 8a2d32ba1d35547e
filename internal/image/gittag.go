package image

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
)

const ShortHashLen = 7

var slugInvalid = regexp.MustCompile(`[^a-z0-9._-]+`)

// TagFor builds the <branch>-<short-hash> tag for a commit. The branch is
// lowercased and reduced to characters valid in an image tag.
func TagFor(branch, hash string) (string, error) {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(branch)), "-")
	slug = strings.Trim(slug, "-.")
	if slug == "" {
		return "", errors.New("branch name is empty")
	}
	hash = strings.ToLower(strings.TrimSpace(hash))
	if len(hash) < ShortHashLen {
		return "", fmt.Errorf("commit hash %q is too short", hash)
	}
	short := hash[:ShortHashLen]
	// tags are capped at 128 characters
	if max := 128 - len(short) - 1; len(slug) > max {
		slug = strings.TrimRight(slug[:max], "-.")
	}
	return slug + "-" + short, nil
}

// GitTag opens the repository containing dir and returns the tag for its
// HEAD. CI checkouts are often detached, so branch overrides the branch name
// when set.
func GitTag(dir, branch string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open git repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if branch == "" {
		if !head.Name().IsBranch() {
			return "", errors.New("HEAD is detached; pass the branch name explicitly")
		}
		branch = head.Name().Short()
	}
	return TagFor(branch, head.Hash().String())
}
