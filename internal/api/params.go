package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
)

// queryLimit parses ?limit with a default and an inclusive ceiling.
func queryLimit(op string, r *http.Request, def, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pipeerrors.BadInputf(op, "limit must be an integer, got %q", raw)
	}
	if n < 1 || n > max {
		return 0, pipeerrors.BadInputf(op, "limit must be between 1 and %d", max)
	}
	return n, nil
}

// queryInstant parses an optional RFC 3339 instant parameter. Absent means
// the zero time.
func queryInstant(op string, r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := timeutil.ParseInstant(op, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func requireQueryInstant(op string, r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, pipeerrors.BadInputf(op, "%s is required", name)
	}
	return timeutil.ParseInstant(op, raw)
}

// queryLast parses a trailing-window parameter like 90m, 24h or 7d.
func queryLast(op string, r *http.Request, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("last"))
	if raw == "" {
		return def, nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, pipeerrors.BadInputf(op, "invalid window %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, pipeerrors.BadInputf(op, "invalid window %q", raw)
	}
	return d, nil
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// pathSuffix returns the path remainder after prefix, with any trailing
// slash removed. Empty when the path does not extend past the prefix.
func pathSuffix(r *http.Request, prefix string) string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	return strings.Trim(rest, "/")
}
