package llm

import (
	"fmt"
	"strings"

	"github.com/scanforge/scanforge/pkg/types"
)

// GenerationPrompt renders a CVE into the template-synthesis prompt.
func GenerationPrompt(rec types.CVERecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are an expert at writing nuclei vulnerability detection templates.

Write a nuclei template in YAML that detects %s.

Vulnerability description:
%s
`, rec.ID, rec.Description)

	if len(rec.References) > 0 {
		b.WriteString("\nReferences:\n")
		for _, ref := range rec.References {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
	}

	fmt.Fprintf(&b, `
Requirements:
- The template id must be exactly %s.
- Include info.name, info.severity, and at least one request block with matchers.
- Prefer non-intrusive detection (version checks, response markers).
- Output only the YAML template inside a fenced yaml code block, nothing else.
`, strings.ToLower(rec.ID))
	return b.String()
}

// RefinementPrompt renders a failed template plus its validation
// diagnostic into a correction prompt.
func RefinementPrompt(cveID, body, diagnostic string) string {
	return fmt.Sprintf(`You are an expert at writing nuclei vulnerability detection templates.

The following template for %s failed validation against a reference target.

Template:
%s

Validation output:
%s

Produce a corrected version of the template. Keep the template id exactly
%s. Fix the cause of the failure without changing the detection intent.
Output only the corrected YAML template inside a fenced yaml code block,
nothing else.
`, cveID, body, diagnostic, strings.ToLower(cveID))
}
