package autocrit

import (
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Var returns a trimmed environment variable value.
func Var(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Rank returns the index of this process in the training group. Launchers
// conventionally export RANK; deepspeed-style launchers export LOCAL_RANK.
// A missing or malformed value means single-process training, rank 0.
func Rank() int {
	for _, key := range []string{"RANK", "LOCAL_RANK"} {
		if s := Var(key); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n >= 0 {
				return n
			}
		}
	}
	return 0
}

// WorldSize returns the number of processes in the training group,
// configurable via WORLD_SIZE. Defaults to 1.
func WorldSize() int {
	if s := Var("WORLD_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// TrackHost returns the experiment-tracking endpoint, configurable via
// AUTOCRIT_TRACK_HOST. A nil return selects offline tracking.
func TrackHost() *url.URL {
	s := Var("AUTOCRIT_TRACK_HOST")
	if s == "" {
		return nil
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil
	}
	return u
}

// Debug reports whether verbose logging was requested via AUTOCRIT_DEBUG.
func Debug() bool {
	if s := Var("AUTOCRIT_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		return true
	}
	return false
}
