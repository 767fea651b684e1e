package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/incident"
	"proctord/internal/proctor"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "proctord.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIncidentsRoundTripNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	url := "/evidence/t1/u1/1.jpg"

	records := []proctor.IncidentRecord{
		{ID: "a", SessionID: "s1", TestID: "t1", UserID: "u1", Kind: incident.TabSwitched, Data: map[string]any{"message": "hidden"}, Timestamp: base},
		{ID: "b", SessionID: "s1", TestID: "t1", UserID: "u1", Kind: incident.AudioDetected, Data: map[string]any{"level": 41.5}, EvidenceURL: &url, Timestamp: base.Add(time.Second)},
		{ID: "c", SessionID: "s2", TestID: "t1", UserID: "u2", Kind: incident.WindowBlur, Timestamp: base.Add(2 * time.Second)},
		{ID: "d", SessionID: "s3", TestID: "t2", UserID: "u1", Kind: incident.NoMotion, Timestamp: base},
	}
	for _, rec := range records {
		require.NoError(t, db.SaveIncident(ctx, rec))
	}

	mine, err := db.ListIncidents(ctx, "t1", "u1", 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "b", mine[0].ID)
	assert.Equal(t, incident.AudioDetected, mine[0].Kind)
	require.NotNil(t, mine[0].EvidenceURL)
	assert.Equal(t, url, *mine[0].EvidenceURL)
	assert.Equal(t, 41.5, mine[0].Data["level"])
	assert.Nil(t, mine[1].EvidenceURL)
	assert.Equal(t, "hidden", mine[1].Data["message"])

	all, err := db.ListIncidents(ctx, "t1", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	limited, err := db.ListIncidents(ctx, "t1", "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := db.DeleteOldIncidents(ctx, base.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestTestsAndPayments(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	missing, err := db.GetTest(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, db.SaveTest(ctx, &proctor.Test{
		ID: "t1", Title: "Algebra", Proctored: true, Private: true,
		InvitedEmails: []string{"a@example.com"}, ScheduledStart: &start, Paid: true, PriceUSDC: 2.5,
	}))

	got, err := db.GetTest(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Proctored)
	assert.True(t, got.Private)
	assert.True(t, got.Paid)
	assert.Equal(t, []string{"a@example.com"}, got.InvitedEmails)
	require.NotNil(t, got.ScheduledStart)
	assert.True(t, start.Equal(*got.ScheduledStart))
	assert.Nil(t, got.ScheduledEnd)

	paid, err := db.HasCompletedPayment(ctx, "t1", "a@example.com")
	require.NoError(t, err)
	assert.False(t, paid)

	_, err = db.db.Exec(`INSERT INTO test_payments (id, test_id, user_email, amount_usdc, status) VALUES ('p1', 't1', 'a@example.com', 2.5, 'completed')`)
	require.NoError(t, err)

	paid, err = db.HasCompletedPayment(ctx, "t1", "a@example.com")
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestResultsAndSessions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	done := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.SaveTestResult(ctx, proctor.TestResult{
		TestID: "t1", UserID: "u1", Email: "a@example.com", Answers: map[string]int{"q1": 2},
		Score: 1, Total: 1, IncidentCount: 4, CompletedAt: done,
	}))
	results, err := db.ListResults(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 4, results[0].IncidentCount)
	assert.Equal(t, map[string]int{"q1": 2}, results[0].Answers)

	rec := &SessionRecord{ID: "s1", TestID: "t1", UserID: "u1", Email: "a@example.com", State: "active", StartedAt: done}
	require.NoError(t, db.SaveSession(ctx, rec))
	ended := done.Add(time.Hour)
	rec.State = "idle"
	rec.EndedAt = &ended
	require.NoError(t, db.SaveSession(ctx, rec))

	got, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "idle", got.State)
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))
}
