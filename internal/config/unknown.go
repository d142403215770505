package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each section name to its valid keys, derived from the toml
// tags so the table cannot drift from the structs.
var knownKeys = func() map[string][]string {
	out := make(map[string][]string)

	cfgType := reflect.TypeFor[Config]()
	for i := range cfgType.NumField() {
		section := cfgType.Field(i)

		var keys []string

		for j := range section.Type.NumField() {
			keys = append(keys, section.Type.Field(j).Tag.Get("toml"))
		}

		sort.Strings(keys)
		out[section.Tag.Get("toml")] = keys
	}

	return out
}()

// sectionNames is the sorted list of section names for suggestions.
var sectionNames = func() []string {
	names := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)

		if err != nil && !seen[err.Error()] {
			seen[err.Error()] = true
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	section := key[0]

	keys, ok := knownKeys[section]
	if !ok {
		if len(key) == 1 {
			if s := closestMatch(section, sectionNames); s != "" {
				return fmt.Errorf("unknown config key %q: did you mean section [%s]?", section, s)
			}
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	field := strings.Join(key[1:], ".")
	if suggestion := closestMatch(field, keys); suggestion != "" {
		return fmt.Errorf("unknown key %q in [%s]: did you mean %q?", field, section, suggestion)
	}

	return fmt.Errorf("unknown key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
