package domain

import (
	"strings"
)

// =============================================================================
// Image Tags
// =============================================================================

// DefaultRepository is the image repository used when none is configured.
const DefaultRepository = "ladderbox/snake-ladder-api"

// Slugify converts a project name to a lowercase image repository component.
//
// The transformation rules are:
//   - Lowercase letters and digits are kept
//   - Uppercase letters are lowercased
//   - Spaces, underscores, dots and hyphens become a single hyphen
//   - All other characters are removed
//   - Leading and trailing hyphens are trimmed
//
// Example:
//
//	Slugify("Snake Ladder API")  // returns "snake-ladder-api"
//	Slugify("snake_ladder.api")  // returns "snake-ladder-api"
func Slugify(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
		case r >= 'A' && r <= 'Z':
			r += 'a' - 'A'
		case r == ' ' || r == '_' || r == '.' || r == '-':
			pendingSep = b.Len() > 0
			continue
		default:
			continue
		}
		if pendingSep {
			b.WriteByte('-')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ImageTag joins a repository and a tag, defaulting the tag to "latest".
//
// Example:
//
//	ImageTag("ladderbox/api", "")    // returns "ladderbox/api:latest"
//	ImageTag("ladderbox/api", "v2")  // returns "ladderbox/api:v2"
func ImageTag(repository, tag string) string {
	if repository == "" {
		repository = DefaultRepository
	}
	if tag == "" {
		tag = "latest"
	}
	return repository + ":" + tag
}
