package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetSyncStateIsExclusive(t *testing.T) {
	m := NewMetrics()
	all := []string{"idle", "fetching", "backoff"}

	m.SetSyncState("bitcoin", "fetching", all)
	m.SetSyncState("bitcoin", "backoff", all)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.syncState.WithLabelValues("bitcoin", "fetching")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncState.WithLabelValues("bitcoin", "backoff")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.syncState.WithLabelValues("bitcoin", "idle")))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.IncPublished("transactions", "transaction_update")
	a.SetCursorPosition("ethereum", 19000000)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.hubPublished.WithLabelValues("transactions", "transaction_update")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.hubPublished.WithLabelValues("transactions", "transaction_update")))
	assert.Equal(t, 19000000.0, testutil.ToFloat64(a.cursorPosition.WithLabelValues("ethereum")))
}
