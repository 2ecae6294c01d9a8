package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobState
		want     bool
	}{
		{JobStateQueued, JobStateRunning, true},
		{JobStateQueued, JobStateCancelled, true},
		{JobStateQueued, JobStateFailure, true},
		{JobStateQueued, JobStateSuccess, false},
		{JobStateRunning, JobStateSuccess, true},
		{JobStateRunning, JobStateRetrying, true},
		{JobStateRunning, JobStateQueued, false},
		{JobStateRetrying, JobStateQueued, true},
		{JobStateRetrying, JobStateRunning, false},
		{JobStateSuccess, JobStateRunning, false},
		{JobStateFailure, JobStateQueued, false},
		{JobStateCancelled, JobStateRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, JobStateSuccess.Terminal())
	assert.True(t, JobStateFailure.Terminal())
	assert.True(t, JobStateCancelled.Terminal())
	assert.False(t, JobStateQueued.Terminal())
	assert.False(t, JobStateRunning.Terminal())
	assert.False(t, JobStateRetrying.Terminal())
}

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.True(t, SeverityInformational.AtLeast(SeverityInformational))
	assert.False(t, SeverityInformational.AtLeast(SeverityLow))
}

func TestTemplateSelectorValid(t *testing.T) {
	assert.True(t, TemplateSelector{All: true}.Valid())
	assert.True(t, TemplateSelector{Dirs: []string{"cves"}}.Valid())
	assert.True(t, TemplateSelector{File: "x.yaml"}.Valid())
	assert.False(t, TemplateSelector{}.Valid())
	assert.False(t, TemplateSelector{All: true, File: "x.yaml"}.Valid())
	assert.False(t, TemplateSelector{Dirs: []string{"a"}, File: "x.yaml"}.Valid())
}

func TestFindingComputeID(t *testing.T) {
	f := Finding{
		TemplateID: "cve-2024-0001",
		Protocol:   "http",
		Severity:   SeverityHigh,
		Target:     "https://example.com",
		MatchedAt:  "https://example.com/vuln",
	}
	again := f
	assert.Equal(t, f.ComputeID(), again.ComputeID())
	assert.Len(t, f.ComputeID(), 32)

	other := f
	other.MatchedAt = "https://example.com/other"
	assert.NotEqual(t, f.ComputeID(), other.ComputeID())
}
