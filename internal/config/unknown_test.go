package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownSection(t *testing.T) {
	path := writeTestConfig(t, "[transfers]\nparallel_uploads = 4\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config section [transfers]")
	assert.Equal(t, 1, countLines(err.Error()), "one error per unknown section")
}

func TestLoad_UnknownKey_InSection(t *testing.T) {
	//nolint:misspell // intentional typo to test unknown key detection
	path := writeTestConfig(t, "[sync]\nlane_concurency = 4\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "lane_concurency" in [sync]`)
	assert.Contains(t, err.Error(), `did you mean "lane_concurrency"?`)
}

func TestLoad_UnknownKey_NoSuggestion(t *testing.T) {
	path := writeTestConfig(t, "[upload]\ncompletely_different = true\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "completely_different" in [upload]`)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoad_TopLevelKeySuggestsSection(t *testing.T) {
	path := writeTestConfig(t, "retyr = 3\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean section [retry]")
}

func TestKnownKeys_FromTags(t *testing.T) {
	assert.Contains(t, knownKeys["remote"], "postgres_dsn")
	assert.Contains(t, knownKeys["logging"], "log_retention_days")
	assert.Len(t, knownKeys, 9)
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"interval", "intreval", 2},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func countLines(s string) int {
	n := 1

	for _, r := range s {
		if r == '\n' {
			n++
		}
	}

	return n
}
