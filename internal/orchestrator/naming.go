package orchestrator

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/forPelevin/clipper/internal/types"
)

// artifactName returns the file name a job's result is published under.
func artifactName(source, id string, f types.Format, narrated bool) string {
	name := path.Base(strings.ReplaceAll(source, `\`, "/"))
	name = strings.TrimSuffix(name, path.Ext(name))
	name = normalizePathSegment(name)
	if name == "" {
		name = "clip"
	}
	if narrated {
		return fmt.Sprintf("%s-%s.narrated%s", name, strings.ToLower(id), f.Ext())
	}
	return fmt.Sprintf("%s-%s%s", name, strings.ToLower(id), f.Ext())
}

func normalizePathSegment(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
