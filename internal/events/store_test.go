package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func finishedSession(id string, status models.OutcomeStatus, d time.Duration) *models.Session {
	start := time.Now().UTC().Add(-d)
	return &models.Session{
		ID:          id,
		State:       models.StateCompleted,
		Device:      models.DeviceProfile{Name: "Desktop Chrome"},
		TargetQuery: "q",
		TargetURL:   "https://example.com",
		EgressAddr:  "p1",
		StartedAt:   start,
		EndedAt:     start.Add(d),
		Outcome:     models.Outcome{Status: status},
	}
}

func TestStoreWriteAndQueryEvents(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write(New("s1", NavigatePayload{URL: "https://a"})))
	require.NoError(t, s.Write(New("s1", ClickPayload{Rank: 1, URL: "https://b"})))
	require.NoError(t, s.Write(New("s2", ClickPayload{Rank: 0})))

	all, err := s.Events("", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	clicks, err := s.Events("", string(TypeClick), 10)
	require.NoError(t, err)
	assert.Len(t, clicks, 2)

	s1, err := s.Events("s1", "", 10)
	require.NoError(t, err)
	assert.Len(t, s1, 2)
	for _, rec := range s1 {
		assert.Equal(t, "s1", rec.SessionID)
		assert.NotEmpty(t, rec.Payload)
	}
}

func TestStoreSaveSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	sess := finishedSession("s1", models.OutcomeSuccess, 5*time.Second)
	require.NoError(t, s.SaveSession(sess))
	require.NoError(t, s.SaveSession(sess))

	recent, err := s.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "s1", recent[0].ID)
	assert.Equal(t, string(models.OutcomeSuccess), recent[0].OutcomeStatus)
	assert.InDelta(t, 5.0, recent[0].DurationSeconds, 0.01)
}

func TestStoreStatistics(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSession(finishedSession("s1", models.OutcomeSuccess, 4*time.Second)))
	require.NoError(t, s.SaveSession(finishedSession("s2", models.OutcomeSuccess, 6*time.Second)))
	require.NoError(t, s.SaveSession(finishedSession("s3", models.OutcomeFailure, 2*time.Second)))
	require.NoError(t, s.Write(New("s1", ClickPayload{Rank: 0})))
	require.NoError(t, s.Write(New("s2", ClickPayload{Rank: 1})))

	stats, err := s.Statistics()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalSessions)
	assert.Equal(t, int64(2), stats.SuccessfulSessions)
	assert.Equal(t, int64(1), stats.FailedSessions)
	assert.Equal(t, int64(2), stats.TotalClicks)
	assert.InDelta(t, 4.0, stats.AverageDuration, 0.01)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.001)
}

func TestStoreStatisticsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Statistics()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSessions)
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.AverageDuration)
}
