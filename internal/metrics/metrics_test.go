package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())

	m.TokenOp("rotate", OutcomeSuccess)
	m.TokenOp("rotate", OutcomeSuccess)
	m.TokenOp("rotate", "token_not_recognized")
	m.AuthzDecision("forbidden")
	m.Login("google", OutcomeSuccess)

	assert.InDelta(t, 2, testutil.ToFloat64(m.tokenOps.WithLabelValues("rotate", OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.tokenOps.WithLabelValues("rotate", "token_not_recognized")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.authzDecision.WithLabelValues("forbidden")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.logins.WithLabelValues("google", OutcomeSuccess)), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TokenOp("issue", OutcomeSuccess)
		m.AuthzDecision(OutcomeSuccess)
		m.Login("github", OutcomeFailure)
	})
}
