package nuclei

import (
	"path"

	"github.com/scanforge/scanforge/pkg/types"
)

// CustomMountDir is where user-supplied templates are mounted inside the
// scanner container.
const CustomMountDir = "/custom-templates"

// AIMountDir is where the generated template library is mounted inside
// the scanner container.
const AIMountDir = "/ai-templates"

// BuildArgs assembles the scanner command line for a target and selector.
// JSON line output is always requested; the text grammar is the fallback
// the parser handles when older images ignore the flag.
func BuildArgs(target string, sel types.TemplateSelector) []string {
	args := []string{"-u", target, "-j"}

	switch {
	case sel.All:
		// No -t flag runs the image's full template corpus.
	case len(sel.Dirs) > 0:
		for _, dir := range sel.Dirs {
			args = append(args, "-t", dir)
		}
	case sel.File != "":
		args = append(args, "-t", path.Join(CustomMountDir, path.Base(sel.File)))
	}
	return args
}
