package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeedsDevEntry(t *testing.T) {
	r := New()
	id, version, err := r.RequestModel(false, DevID)
	require.NoError(t, err)
	assert.Equal(t, DevID, id)
	assert.Equal(t, 0, version)
}

func TestRequestModelUnknownCurrentIDErrors(t *testing.T) {
	r := New()
	_, _, err := r.RequestModel(false, "nonexistent")
	assert.Error(t, err)
}

func TestRegisterBumpsVersion(t *testing.T) {
	r := New()
	r.Register("opponent-1", nil, 10)
	_, v1, err := r.RequestModel(false, "opponent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	r.Register("opponent-1", nil, 10)
	_, v2, err := r.RequestModel(false, "opponent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, v2)
}

func TestUpdateDevBumpsVersion(t *testing.T) {
	r := New()
	_, before, err := r.RequestModel(false, DevID)
	require.NoError(t, err)

	r.UpdateDev(nil)
	_, after, err := r.RequestModel(false, DevID)
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

func TestGameResultUpdatesRatingOnlyAboveRatioThreshold(t *testing.T) {
	r := New()
	r.Register("opponent-1", nil, 0)

	r.GameResult(1, []Opponent{{ModelID: "opponent-1", Ratio: 0.5}})
	snap := snapshotByID(r)
	assert.Equal(t, 0.0, snap["opponent-1"].Rating, "below-threshold ratio must not move rating")

	r.GameResult(1, []Opponent{{ModelID: "opponent-1", Ratio: 1.0}})
	snap = snapshotByID(r)
	assert.NotEqual(t, 0.0, snap["opponent-1"].Rating)
	assert.Less(t, snap["opponent-1"].Rating, 0.0, "dev winning must lower the opponent's rating")
	assert.Greater(t, snap[DevID].Rating, 0.0)
}

func TestGameResultAppliesExpectedScoreTerm(t *testing.T) {
	r := New()
	r.Register("opponent-1", nil, 0)

	r.GameResult(1, []Opponent{{ModelID: "opponent-1", Ratio: 1.0}})
	snap := snapshotByID(r)
	assert.Equal(t, 3.0, snap[DevID].Rating, "equal ratings at ratio 1.0 must move by K/2, not K")
	assert.Equal(t, -3.0, snap["opponent-1"].Rating)
}

func TestGameResultSkipsDevAsOpponent(t *testing.T) {
	r := New()
	r.GameResult(1, []Opponent{{ModelID: DevID, Ratio: 1.0}})
	snap := snapshotByID(r)
	assert.Equal(t, 0, snap[DevID].NGames)
}

func TestSampleOpponentAlwaysReturnsRegisteredID(t *testing.T) {
	r := New()
	r.Register("opponent-1", nil, 5)
	r.Register("opponent-2", nil, -5)

	for i := 0; i < 200; i++ {
		id := r.sampleOpponentLocked()
		_, ok := r.entries[id]
		require.True(t, ok, "sampled id %q must be a registered entry", id)
	}
}

func snapshotByID(r *Registry) map[string]Entry {
	out := make(map[string]Entry)
	for _, e := range r.Snapshot() {
		out[e.ID] = e
	}
	return out
}
