package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolLeastPrefersIdleWorker(t *testing.T) {
	pool, err := NewPool(Config{NumWorkers: 3})
	require.NoError(t, err)
	require.Equal(t, 3, pool.Size())

	pool.workers[0].AddUsage(50 * time.Millisecond)
	pool.workers[1].AddUsage(10 * time.Millisecond)
	pool.workers[2].AddUsage(30 * time.Millisecond)

	w, err := pool.Least()
	require.NoError(t, err)
	assert.Equal(t, 1, w.Index())
}

func TestPoolLeastTieBreaksOnLowestIndex(t *testing.T) {
	pool, err := NewPool(Config{NumWorkers: 3})
	require.NoError(t, err)

	w, err := pool.Least()
	require.NoError(t, err)
	assert.Equal(t, 0, w.Index())
}

func TestPoolLeastWithoutWorkers(t *testing.T) {
	var nilPool *Pool
	_, err := nilPool.Least()
	assert.ErrorIs(t, err, ErrNoWorkersInitialized)

	_, err = (&Pool{}).Least()
	assert.ErrorIs(t, err, ErrNoWorkersInitialized)
}

func TestWorkerUsageAccumulates(t *testing.T) {
	pool, err := NewPool(Config{NumWorkers: 1})
	require.NoError(t, err)

	w := pool.workers[0]
	w.AddUsage(5 * time.Millisecond)
	w.AddUsage(7 * time.Millisecond)
	assert.Equal(t, 12*time.Millisecond, w.Usage())
}

func TestCreateRouterLandsOnLeastBusyWorker(t *testing.T) {
	pool, err := NewPool(Config{NumWorkers: 2})
	require.NoError(t, err)

	pool.workers[0].AddUsage(time.Second)

	r, err := pool.CreateRouter()
	require.NoError(t, err)
	assert.Equal(t, 1, r.Worker().Index())
	assert.NotEmpty(t, r.ID)
}
