package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/orchmem/internal/storage"
)

// parseFilters reads agent, pattern, from, to and success query parameters.
func parseFilters(r *http.Request) (storage.Filters, error) {
	q := r.URL.Query()
	f := storage.Filters{
		AgentID: q.Get("agent"),
		Pattern: q.Get("pattern"),
	}
	var err error
	if f.From, err = parseTimeParam(q.Get("from")); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = parseTimeParam(q.Get("to")); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if s := q.Get("success"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, fmt.Errorf("success: %w", err)
		}
		f.Success = &b
	}
	return f, nil
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// ParseAge parses an age like "90d" or any time.ParseDuration string.
func ParseAge(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}
