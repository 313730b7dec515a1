package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Poll("alice", "twitter")
	m.Poll("alice", "twitter")
	m.Evicted("alice")
	m.Pool("alice", 2, 21.6)
	m.Notified("alice", nil)
	m.Notified("alice", errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.polls.WithLabelValues("alice", "twitter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions.WithLabelValues("alice")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolSize.WithLabelValues("alice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("alice", "error")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `cawatch_poll_interval_seconds{owner="alice"} 21.6`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Poll("a", "b")
		m.FetchError("a", "fetch")
		m.Evicted("a")
		m.Pool("a", 1, 1)
		m.Running("a", true)
		m.Address("a", "evm")
		m.Notified("a", nil)
	})
}
