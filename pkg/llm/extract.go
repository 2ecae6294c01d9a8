package llm

import (
	"regexp"
	"strings"

	"github.com/scanforge/scanforge/pkg/errdefs"
)

// fencedBlock matches the first fenced code block, with or without a
// language tag. Models wrap YAML in markdown fences despite instructions.
var fencedBlock = regexp.MustCompile("(?s)```(?:ya?ml)?\\s*\n(.*?)```")

// ExtractYAML pulls the first YAML document out of a model response:
// the first fenced code block when present, otherwise the whole response
// if it already looks like a YAML mapping.
func ExtractYAML(response string) (string, error) {
	if m := fencedBlock.FindStringSubmatch(response); m != nil {
		body := strings.TrimSpace(m[1])
		if body != "" {
			return body + "\n", nil
		}
	}

	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "id:") || strings.HasPrefix(trimmed, "---") {
		return trimmed + "\n", nil
	}
	return "", errdefs.Wrapf(errdefs.ErrInvalidOutput, "no yaml block in model response")
}
