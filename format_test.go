package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 512, "512 B"},
		{"kibibytes", 1536, "1.5 KiB"},
		{"mebibytes", 5242880, "5.0 MiB"},
		{"gibibytes", 1610612736, "1.5 GiB"},
		{"negative clamps", -4, "0 B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "-", formatAge(time.Time{}))
	assert.Contains(t, formatAge(time.Now().Add(-3*time.Hour)), "hours ago")
}

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.UTC)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "ünï...", truncate("ünïcödé", 6))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"ID", "OPERATION", "STATUS"}
	rows := [][]string{
		{"0190a1", "update task/42", "pending"},
		{"0190a2", "create time_entry", "failed"},
	}

	printTable(&buf, headers, rows)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID      OPERATION"))
	assert.Contains(t, lines[2], "create time_entry")

	for _, l := range lines {
		assert.Equal(t, strings.TrimRight(l, " "), l, "no trailing padding")
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	assert.NoError(t, printJSON(&buf, map[string]int{"pending": 3}))
	assert.JSONEq(t, `{"pending":3}`, buf.String())
}
