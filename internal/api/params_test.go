package api

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
)

func TestQueryLast(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    time.Duration
		wantErr bool
	}{
		{"absent uses default", "", 24 * time.Hour, false},
		{"days suffix", "last=7d", 7 * 24 * time.Hour, false},
		{"hours", "last=36h", 36 * time.Hour, false},
		{"minutes", "last=90m", 90 * time.Minute, false},
		{"zero days", "last=0d", 0, true},
		{"negative", "last=-2h", 0, true},
		{"gibberish", "last=soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/anomalies?"+tt.query, nil)
			got, err := queryLast("test", r, 24*time.Hour)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, pipeerrors.KindBadInput, pipeerrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryLimit(t *testing.T) {
	r := httptest.NewRequest("GET", "/events", nil)
	n, err := queryLimit("test", r, 100, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	r = httptest.NewRequest("GET", "/events?limit=250", nil)
	n, err = queryLimit("test", r, 100, 1000)
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	for _, q := range []string{"limit=0", "limit=1001", "limit=ten"} {
		r = httptest.NewRequest("GET", "/events?"+q, nil)
		_, err = queryLimit("test", r, 100, 1000)
		require.Error(t, err, q)
	}
}

func TestPathSuffix(t *testing.T) {
	r := httptest.NewRequest("PATCH", "/deviations/abc-123", nil)
	assert.Equal(t, "abc-123", pathSuffix(r, "/deviations/"))

	r = httptest.NewRequest("PUT", "/monitor-modes/R-001/", nil)
	assert.Equal(t, "R-001", pathSuffix(r, "/monitor-modes/"))

	r = httptest.NewRequest("PUT", "/monitor-modes/", nil)
	assert.Equal(t, "", pathSuffix(r, "/monitor-modes/"))
}
