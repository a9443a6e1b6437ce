package timestamp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "attest/pkg/domain-errors"
)

type fakeAuthority struct {
	name string
	t    time.Time
	err  error
}

func (f fakeAuthority) Name() string { return f.name }
func (f fakeAuthority) Fetch(_ context.Context) (time.Time, error) {
	return f.t, f.err
}

func TestTrustedSource_ReturnsAuthorityReading(t *testing.T) {
	reading := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	src, err := NewTrustedSource([]Authority{fakeAuthority{name: "ntp-pool", t: reading}})
	require.NoError(t, err)

	ts, err := src.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reading, ts.Time)
	assert.Equal(t, "ntp-pool", ts.SourceID)
}

func TestTrustedSource_FailsClosedWhenAllUnreachable(t *testing.T) {
	src, err := NewTrustedSource([]Authority{
		fakeAuthority{name: "a", err: errors.New("timeout")},
		fakeAuthority{name: "b", err: errors.New("refused")},
	})
	require.NoError(t, err)

	_, err = src.Now(context.Background())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeClockUnavailable))
}

func TestTrustedSource_ToleratesPartialOutage(t *testing.T) {
	reading := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	src, err := NewTrustedSource([]Authority{
		fakeAuthority{name: "down", err: errors.New("unreachable")},
		fakeAuthority{name: "up", t: reading},
	})
	require.NoError(t, err)

	ts, err := src.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "up", ts.SourceID)
}

func TestTrustedSource_FailsClosedOnDisagreement(t *testing.T) {
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	src, err := NewTrustedSource([]Authority{
		fakeAuthority{name: "a", t: base},
		fakeAuthority{name: "b", t: base.Add(time.Minute)},
	}, WithTolerance(2*time.Second))
	require.NoError(t, err)

	_, err = src.Now(context.Background())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeClockUnavailable))
}

func TestTrustedSource_RequiresAuthorities(t *testing.T) {
	_, err := NewTrustedSource(nil)
	require.Error(t, err)
}

func TestCheckClockSync_ReportsDrift(t *testing.T) {
	t.Run("synced against a live reading", func(t *testing.T) {
		src, err := NewTrustedSource(
			[]Authority{fakeAuthority{name: "local-fake", t: time.Now()}},
			WithTolerance(5*time.Second),
		)
		require.NoError(t, err)

		status := src.CheckClockSync(context.Background())
		assert.True(t, status.Synced)
		assert.Equal(t, "local-fake", status.Authority)
	})

	t.Run("drifted beyond tolerance", func(t *testing.T) {
		src, err := NewTrustedSource(
			[]Authority{fakeAuthority{name: "skewed", t: time.Now().Add(-time.Hour)}},
			WithTolerance(2*time.Second),
		)
		require.NoError(t, err)

		status := src.CheckClockSync(context.Background())
		assert.False(t, status.Synced)
	})

	t.Run("unreachable authorities reported", func(t *testing.T) {
		src, err := NewTrustedSource([]Authority{fakeAuthority{name: "down", err: errors.New("nope")}})
		require.NoError(t, err)

		status := src.CheckClockSync(context.Background())
		assert.False(t, status.Synced)
		assert.NotEmpty(t, status.Error)
	})
}

func TestHTTPAuthority_ParsesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"utc_datetime":"2026-08-29T12:00:00.000000+00:00"}`))
	}))
	defer srv.Close()

	a := NewHTTPAuthority("test", srv.URL, srv.Client())
	got, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC), got.UTC())
}

func TestHTTPAuthority_FallsBackToDateHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Date", "Sat, 29 Aug 2026 12:00:00 GMT")
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	a := NewHTTPAuthority("test", srv.URL, srv.Client())
	got, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2026, got.UTC().Year())
}

func TestHTTPAuthority_RejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewHTTPAuthority("test", srv.URL, srv.Client())
	_, err := a.Fetch(context.Background())
	require.Error(t, err)
}
