package compliance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMatrix(t *testing.T) {
	m, err := LoadMatrix(filepath.Join("testdata", "rules.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"2/2.1", "5/5.2"}, m.Sections())
	assert.Len(t, m.Version(), 64)

	rs, ok := m.RulesFor("2/2.1")
	require.True(t, ok)
	require.Len(t, rs.MustCover, 2)
	assert.Equal(t, "2/2.1:must_cover[0]", rs.MustCover[0].ID)
	assert.Equal(t, SeverityError, rs.MustCover[0].Severity)
	assert.Equal(t, SeverityWarning, rs.MustCover[1].Severity)
	assert.Len(t, rs.MustCover[1].patterns, 2)

	rs, ok = m.RulesFor("5/5.2")
	require.True(t, ok)
	assert.Equal(t, "emergency-standard", rs.Requirements[1].ID)

	_, ok = m.RulesFor("9/9.9")
	assert.False(t, ok)
}

func TestLoadMatrix_EmptyPath(t *testing.T) {
	m, err := LoadMatrix("")
	require.NoError(t, err)
	assert.Empty(t, m.Sections())
}

func TestLoadMatrix_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		reason string
	}{
		{
			name:   "unknown top-level field",
			yaml:   "sectons: {}\n",
			reason: "parse rules file",
		},
		{
			name:   "unknown entry field",
			yaml:   "sections:\n  \"1/1.1\":\n    must_cover:\n      - phrse: x\n",
			reason: "parse rules file",
		},
		{
			name:   "bad key",
			yaml:   "sections:\n  overview:\n    must_cover: [x]\n",
			reason: "section key must be chapter/section",
		},
		{
			name:   "unknown check",
			yaml:   "sections:\n  \"1/1.1\":\n    requirements:\n      - check: spelling\n",
			reason: `unknown check "spelling"`,
		},
		{
			name:   "bad check argument",
			yaml:   "sections:\n  \"1/1.1\":\n    requirements:\n      - check: min_length\n        arg: many\n",
			reason: "check min_length",
		},
		{
			name:   "unknown severity",
			yaml:   "sections:\n  \"1/1.1\":\n    avoid:\n      - phrase: x\n        severity: fatal\n",
			reason: `unknown severity "fatal"`,
		},
		{
			name:   "empty phrase",
			yaml:   "sections:\n  \"1/1.1\":\n    avoid:\n      - \"  \"\n",
			reason: "entry has no phrase",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rules.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := LoadMatrix(path)
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, path, le.File)
			assert.Equal(t, tt.reason, le.Reason)
		})
	}
}

func TestNewMatrix_TooManyEntries(t *testing.T) {
	entries := make([]Entry, maxEntriesPerList+1)
	for i := range entries {
		entries[i] = Entry{Phrase: "x"}
	}
	_, err := NewMatrix(map[string]*RuleSet{"1/1.1": {MustCover: entries}})
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Reason, "max 64")
}
