package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/FairForge/bulwark/internal/incident"
	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil), mock
}

func TestPostgres_CreateTables(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS incidents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS incidents_created_at").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS recovery_executions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS snapshots").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS snapshots_kind_taken_at").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.CreateTables(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Incidents(t *testing.T) {
	inc := incident.Incident{
		ID:        "inc-1",
		Title:     "checkout errors",
		Type:      "high_error_rate",
		Source:    "slo:checkout",
		Severity:  incident.SeverityP2,
		State:     incident.StateOpen,
		CreatedAt: epoch,
		Timeline: []incident.TimelineEntry{
			{Timestamp: epoch, Action: "created", Actor: "slo"},
		},
	}

	t.Run("save upserts with indexed columns", func(t *testing.T) {
		p, mock := newMock(t)
		mock.ExpectExec("INSERT INTO incidents").
			WithArgs("inc-1", "P2", "OPEN", "slo:checkout", epoch, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, p.SaveIncident(context.Background(), inc))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("save wraps driver errors", func(t *testing.T) {
		p, mock := newMock(t)
		mock.ExpectExec("INSERT INTO incidents").WillReturnError(errors.New("connection reset"))

		err := p.SaveIncident(context.Background(), inc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upsert incident inc-1")
	})

	t.Run("list decodes documents", func(t *testing.T) {
		p, mock := newMock(t)
		doc, err := json.Marshal(inc)
		require.NoError(t, err)
		mock.ExpectQuery("SELECT document FROM incidents").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

		got, err := p.Incidents(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "inc-1", got[0].ID)
		assert.Equal(t, incident.SeverityP2, got[0].Severity)
		assert.Equal(t, "created", got[0].Timeline[0].Action)
	})
}

func TestPostgres_Executions(t *testing.T) {
	ended := epoch.Add(2 * time.Second)
	x := recovery.Execution{
		ID:         "exec-1",
		Plan:       "restart-pool",
		IncidentID: "inc-1",
		Trigger:    "database_connection_failure",
		StartedAt:  epoch,
		EndedAt:    &ended,
		Attempts:   1,
		Success:    true,
	}

	t.Run("save", func(t *testing.T) {
		p, mock := newMock(t)
		mock.ExpectExec("INSERT INTO recovery_executions").
			WithArgs("exec-1", "restart-pool", "inc-1", true, epoch, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, p.SaveExecution(context.Background(), x))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list by plan", func(t *testing.T) {
		p, mock := newMock(t)
		doc, err := json.Marshal(x)
		require.NoError(t, err)
		mock.ExpectQuery("SELECT document FROM recovery_executions").
			WithArgs("restart-pool", 5).
			WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

		got, err := p.Executions(context.Background(), "restart-pool", 5)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Success)
		assert.Equal(t, ended, *got[0].EndedAt)
	})
}

func TestPostgres_Snapshots(t *testing.T) {
	data := []byte(`{"slos":[{"name":"checkout","performance":99.95}]}`)

	t.Run("export compresses payload", func(t *testing.T) {
		p, mock := newMock(t)
		compressed, err := p.codec.compress(data)
		require.NoError(t, err)

		mock.ExpectExec("INSERT INTO snapshots").
			WithArgs(KindSLOs, epoch, compressed).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, p.Export(context.Background(), Snapshot{Kind: KindSLOs, TakenAt: epoch, Data: data}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("latest decompresses payload", func(t *testing.T) {
		p, mock := newMock(t)
		compressed, err := p.codec.compress(data)
		require.NoError(t, err)

		mock.ExpectQuery("SELECT taken_at, payload FROM snapshots").
			WithArgs(KindSLOs).
			WillReturnRows(sqlmock.NewRows([]string{"taken_at", "payload"}).AddRow(epoch, compressed))

		snap, err := p.Latest(context.Background(), KindSLOs)
		require.NoError(t, err)
		assert.Equal(t, KindSLOs, snap.Kind)
		assert.Equal(t, epoch, snap.TakenAt)
		assert.Equal(t, data, snap.Data)
	})

	t.Run("latest without rows", func(t *testing.T) {
		p, mock := newMock(t)
		mock.ExpectQuery("SELECT taken_at, payload FROM snapshots").
			WithArgs(KindBreakers).
			WillReturnError(sql.ErrNoRows)

		_, err := p.Latest(context.Background(), KindBreakers)
		assert.ErrorIs(t, err, ErrNoSnapshot)
	})

	t.Run("prune", func(t *testing.T) {
		p, mock := newMock(t)
		mock.ExpectExec("DELETE FROM snapshots").
			WithArgs(epoch).
			WillReturnResult(sqlmock.NewResult(0, 7))

		n, err := p.PruneSnapshots(context.Background(), epoch)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)
	})
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}
