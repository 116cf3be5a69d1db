package poller

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `
rules:
  - priority: 10
    keywords: ["refund", "money back"]
    reply: "Refunds are handled at example.com/refunds"
  - priority: 50
    keywords: ["urgent"]
    reply: "Escalating, someone will follow up shortly"
default: "Thanks, we got your message"
`

func TestParseRules_SortsByPriority(t *testing.T) {
	rs, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 2)
	assert.Equal(t, 50, rs.Rules[0].Priority, "higher priority rules come first")
}

func TestParseRules_Validation(t *testing.T) {
	_, err := ParseRules([]byte("rules:\n  - priority: 1\n    reply: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no keywords")

	_, err = ParseRules([]byte("rules:\n  - priority: 1\n    keywords: [hi]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reply")

	_, err = ParseRules([]byte("{not yaml"))
	require.Error(t, err)
}

func TestMatch(t *testing.T) {
	rs, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)

	reply, ok := rs.Match("this is URGENT please")
	require.True(t, ok)
	assert.Equal(t, "Escalating, someone will follow up shortly", reply)

	reply, ok = rs.Match("I want my Money Back")
	require.True(t, ok)
	assert.Contains(t, reply, "Refunds")

	// urgent outranks refund when both match
	reply, ok = rs.Match("urgent refund request")
	require.True(t, ok)
	assert.Contains(t, reply, "Escalating")

	reply, ok = rs.Match("hello there")
	require.True(t, ok)
	assert.Equal(t, "Thanks, we got your message", reply)
}

func TestMatch_NoDefault(t *testing.T) {
	rs, err := ParseRules([]byte("rules:\n  - priority: 1\n    keywords: [hi]\n    reply: hey\n"))
	require.NoError(t, err)

	_, ok := rs.Match("unrelated")
	assert.False(t, ok)
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	rs, err := LoadRules(path)
	require.NoError(t, err)
	assert.Len(t, rs.Rules, 2)
	assert.NotEmpty(t, rs.Default)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
