package nuclei

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/scanforge/scanforge/pkg/types"
)

// EventKind classifies a parsed line.
type EventKind string

const (
	EventFinding      EventKind = "finding"
	EventProgress     EventKind = "progress"
	EventRaw          EventKind = "raw"
	EventLoopDetected EventKind = "loop_detected"
)

// Event is one typed item produced from the scanner's output stream.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Line    string         `json:"line,omitempty"`
	Percent int            `json:"percent,omitempty"`
	Finding *types.Finding `json:"finding,omitempty"`

	// Done marks a progress event that ends the scan; NoResults
	// distinguishes an empty run from a matched one.
	Done      bool `json:"done,omitempty"`
	NoResults bool `json:"no_results,omitempty"`
}

// findingLine matches the scanner's text output grammar:
// [template-id] [protocol] [severity] target details...
var findingLine = regexp.MustCompile(`^\[([^\]\s]+)\] \[([^\]\s]+)\] \[([^\]\s]+)\] (\S+)(?:\s+(.*))?$`)

// ansiEscape strips terminal color codes the scanner emits on a tty.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// progressMarks maps well-known informational lines to scan progress.
// Order matters: the first match wins.
var progressMarks = []struct {
	substr  string
	percent int
	done    bool
	empty   bool
}{
	{"Current nuclei version", 5, false, false},
	{"Templates loaded", 30, false, false},
	{"Creating runners", 70, false, false},
	{"New Scan Started", 90, false, false},
	{"[INF] Found", 95, false, false},
	{"No results found", 100, true, true},
	{"scan completed", 100, true, false},
}

const (
	// loopWindow is the sliding window over which repetition is measured.
	loopWindow = 20

	// loopMinLines is the minimum stream length before loop detection
	// can fire, 2x the window.
	loopMinLines = 2 * loopWindow
)

// Parser converts scanner output lines into typed events. It is pure: the
// caller feeds lines (from any byte offset) and consumes events. A parser
// tracks per-stream finding dedup, monotonic progress, and loop detection.
type Parser struct {
	jobID   string
	seen    map[string]struct{}
	window  []string
	total   int
	percent int
	looped  bool
}

// NewParser creates a parser for one job's output stream.
func NewParser(jobID string) *Parser {
	return &Parser{
		jobID: jobID,
		seen:  make(map[string]struct{}),
	}
}

// Percent returns the current monotonic progress estimate.
func (p *Parser) Percent() int {
	return p.percent
}

// LoopDetected reports whether the stream tripped the repetition guard.
func (p *Parser) LoopDetected() bool {
	return p.looped
}

// ParseLine consumes one line and returns zero or more events. A duplicate
// finding produces no event. Once a LoopDetected event has been emitted the
// parser emits nothing further; the consumer treats it as fatal.
func (p *Parser) ParseLine(raw string) []Event {
	if p.looped {
		return nil
	}

	line := strings.TrimSpace(ansiEscape.ReplaceAllString(raw, ""))
	if line == "" {
		return nil
	}

	p.total++
	p.pushWindow(line)

	var out []Event

	if ev, ok := p.parseOne(line); ok {
		out = append(out, ev)
	}

	if p.loopTripped() {
		p.looped = true
		out = append(out, Event{Kind: EventLoopDetected, Line: line})
	}
	return out
}

func (p *Parser) parseOne(line string) (Event, bool) {
	// JSON output mode (-j) takes precedence when the line parses.
	if strings.HasPrefix(line, "{") {
		if f, ok := p.parseJSONFinding(line); ok {
			return Event{Kind: EventFinding, Line: line, Finding: f}, true
		}
		return Event{Kind: EventRaw, Line: line}, true
	}

	for _, mark := range progressMarks {
		if strings.Contains(line, mark.substr) {
			if mark.percent > p.percent {
				p.percent = mark.percent
			}
			return Event{
				Kind:      EventProgress,
				Line:      line,
				Percent:   p.percent,
				Done:      mark.done,
				NoResults: mark.empty,
			}, true
		}
	}

	if m := findingLine.FindStringSubmatch(line); m != nil && !isInfoTag(m[1]) {
		f := p.buildFinding(m[1], m[2], m[3], m[4], m[5])
		if f == nil {
			return Event{}, false // duplicate
		}
		return Event{Kind: EventFinding, Line: line, Finding: f}, true
	}

	return Event{Kind: EventRaw, Line: line}, true
}

// isInfoTag filters the scanner's log-level tags out of the finding grammar.
func isInfoTag(tag string) bool {
	switch tag {
	case "INF", "WRN", "ERR", "DBG", "FTL":
		return true
	}
	return false
}

func (p *Parser) buildFinding(templateID, protocol, severity, target, details string) *types.Finding {
	sev, unknown := NormalizeSeverity(severity)
	f := &types.Finding{
		JobID:           p.jobID,
		TemplateID:      templateID,
		Protocol:        strings.ToLower(protocol),
		Severity:        sev,
		UnknownSeverity: unknown,
		Target:          target,
		MatchedAt:       target,
		Timestamp:       time.Now().UTC(),
	}
	if details != "" {
		f.Details = []string{details}
	}
	f.ID = f.ComputeID()

	if _, dup := p.seen[f.ID]; dup {
		return nil
	}
	p.seen[f.ID] = struct{}{}
	return f
}

// jsonFinding mirrors the scanner's -j output shape.
type jsonFinding struct {
	TemplateID string `json:"template-id"`
	Type       string `json:"type"`
	Host       string `json:"host"`
	MatchedAt  string `json:"matched-at"`
	Info       struct {
		Severity string `json:"severity"`
	} `json:"info"`
	ExtractedResults []string `json:"extracted-results"`
}

func (p *Parser) parseJSONFinding(line string) (*types.Finding, bool) {
	var jf jsonFinding
	if err := json.Unmarshal([]byte(line), &jf); err != nil || jf.TemplateID == "" {
		return nil, false
	}

	sev, unknown := NormalizeSeverity(jf.Info.Severity)
	f := &types.Finding{
		JobID:           p.jobID,
		TemplateID:      jf.TemplateID,
		Protocol:        strings.ToLower(jf.Type),
		Severity:        sev,
		UnknownSeverity: unknown,
		Target:          jf.Host,
		MatchedAt:       jf.MatchedAt,
		Details:         jf.ExtractedResults,
		Timestamp:       time.Now().UTC(),
	}
	if f.MatchedAt == "" {
		f.MatchedAt = jf.Host
	}
	f.ID = f.ComputeID()

	if _, dup := p.seen[f.ID]; dup {
		return nil, false
	}
	p.seen[f.ID] = struct{}{}
	return f, true
}

// NormalizeSeverity maps scanner severity strings onto the core's severity
// scale. Unknown values normalize to informational with a flag.
func NormalizeSeverity(s string) (types.Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational":
		return types.SeverityInformational, false
	case "low":
		return types.SeverityLow, false
	case "medium":
		return types.SeverityMedium, false
	case "high":
		return types.SeverityHigh, false
	case "critical":
		return types.SeverityCritical, false
	default:
		return types.SeverityInformational, true
	}
}

func (p *Parser) pushWindow(line string) {
	p.window = append(p.window, line)
	if len(p.window) > loopWindow {
		p.window = p.window[1:]
	}
}

// loopTripped applies the repetition heuristic: over the last loopWindow
// lines, unique/window < 0.5 once the stream is past loopMinLines.
func (p *Parser) loopTripped() bool {
	if p.total < loopMinLines || len(p.window) < loopWindow {
		return false
	}
	unique := make(map[string]struct{}, len(p.window))
	for _, l := range p.window {
		unique[l] = struct{}{}
	}
	return float64(len(unique))/float64(len(p.window)) < 0.5
}
