package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section. Lists are sorted for
// deterministic suggestions when two candidates have the same edit distance.
var knownKeys = map[string][]string{
	"ingest": {
		"base_url", "client_id", "device_os", "fallback_prefix", "gzip", "max_attempts",
		"primary_prefix", "source", "timeout", "token_url", "user_agent", "user_id",
	},
	"upload": {
		"bandwidth_limit", "base_backoff", "chunk_size", "constrained_chunk_size", "constrained_rtt",
		"inter_chunk_delay", "max_retries", "metered", "warmup_extra_retries", "warmup_size",
	},
	"sync": {
		"observer_settle", "page_size", "refresh_quiet_period", "streams", "sweep_interval",
		"watch_store", "window",
	},
	"sensor": {
		"broker", "client_id", "device_name", "enabled", "invalid_state_retry_delay",
		"narrow_scan_timeout", "password", "request_timeout", "scan_timeout", "service",
		"stream_kind", "topic_prefix", "username", "window",
	},
	"snapshot": {"current_path", "mirror", "mirror_url"},
	"logging":  {"log_file", "log_format", "log_level"},
	"storage":  {"data_dir", "source_db"},
}

// knownSections is the sorted list of section names.
var knownSections = func() []string {
	out := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		out = append(out, k)
	}

	slices.Sort(out)

	return out
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	section := key[0]

	keys, ok := knownKeys[section]
	if !ok {
		what := "section"
		if len(key) == 1 {
			// Bare top-level key; every setting lives in a section.
			what = "key"
		}

		if s := closestMatch(section, knownSections); s != "" {
			return fmt.Errorf("unknown config %s %q, did you mean [%s]?", what, section, s)
		}

		return fmt.Errorf("unknown config %s %q", what, section)
	}

	if len(key) < 2 {
		return fmt.Errorf("unknown config key %q", key.String())
	}

	field := key[1]
	if s := closestMatch(field, keys); s != "" {
		return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", field, section, s)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(strings.ToLower(unknown), k)
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

	// Single-row optimization: two rows instead of a full matrix.
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
