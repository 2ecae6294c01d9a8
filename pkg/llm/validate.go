package llm

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/nuclei"
	"github.com/scanforge/scanforge/pkg/types"
)

// TemplateInfo is the structural summary of a parsed template.
type TemplateInfo struct {
	ID       string
	Name     string
	Severity types.Severity
}

// templateDoc covers the structural subset we verify. Request blocks
// appear under different keys depending on protocol.
type templateDoc struct {
	ID   string `yaml:"id"`
	Info struct {
		Name     string `yaml:"name"`
		Severity string `yaml:"severity"`
	} `yaml:"info"`
	Requests []interface{} `yaml:"requests"`
	HTTP     []interface{} `yaml:"http"`
	Network  []interface{} `yaml:"network"`
	DNS      []interface{} `yaml:"dns"`
	TCP      []interface{} `yaml:"tcp"`
	SSL      []interface{} `yaml:"ssl"`
}

// ValidateTemplate parse-validates a template body: well-formed YAML, the
// required fields present, at least one request block, and, when cveID is
// given, an id matching it. Returns the declared info on success.
func ValidateTemplate(body, cveID string) (*TemplateInfo, error) {
	var doc templateDoc
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "malformed yaml: %v", err)
	}

	if doc.ID == "" {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "template missing id")
	}
	if doc.Info.Name == "" {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "template missing info.name")
	}
	if doc.Info.Severity == "" {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "template missing info.severity")
	}

	blocks := len(doc.Requests) + len(doc.HTTP) + len(doc.Network) + len(doc.DNS) + len(doc.TCP) + len(doc.SSL)
	if blocks == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "template has no request blocks")
	}

	if cveID != "" && !strings.EqualFold(doc.ID, cveID) {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "template id %q does not match %s", doc.ID, cveID)
	}

	sev, _ := nuclei.NormalizeSeverity(doc.Info.Severity)
	return &TemplateInfo{
		ID:       doc.ID,
		Name:     doc.Info.Name,
		Severity: sev,
	}, nil
}
