package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	joinedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cols     = []string{"channel_id", "user_id", "is_muted", "is_deafened", "connection_state",
		"ice_connection_state", "signaling_state", "joined_at", "last_heartbeat"}
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db, nil)
	s.now = func() time.Time { return joinedAt }
	return mock, s
}

func row(user string, muted bool) *sqlmock.Rows {
	return sqlmock.NewRows(cols).AddRow("lobby", user, muted, false, "new", "new", "stable", joinedAt, joinedAt)
}

func TestJoin(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "new row",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO voice_channel_participants").
					WithArgs("lobby", "alice", "new", "new", "stable", joinedAt).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectQuery("SELECT (.+) FROM voice_channel_participants").
					WithArgs("lobby", "alice").
					WillReturnRows(row("alice", false))
			},
		},
		{
			name: "existing row is returned unchanged",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO voice_channel_participants").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT (.+) FROM voice_channel_participants").
					WillReturnRows(row("alice", true))
			},
		},
		{
			name: "insert fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO voice_channel_participants").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, s := setupMockDB(t)
			tt.setupMock(mock)

			p, err := s.Join(context.Background(), "lobby", "alice")
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrPersistenceFailure)
			} else {
				require.NoError(t, err)
				assert.Equal(t, domain.UserID("alice"), p.UserID)
				assert.Equal(t, domain.ConnectionStateNew, p.ConnectionState)
				assert.True(t, p.JoinedAt.Equal(joinedAt))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLeaveMissingRowIsNoop(t *testing.T) {
	mock, s := setupMockDB(t)
	mock.ExpectExec("DELETE FROM voice_channel_participants").
		WithArgs("lobby", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, s.Leave(context.Background(), "lobby", "ghost"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFlags(t *testing.T) {
	muted := true
	mock, s := setupMockDB(t)
	mock.ExpectQuery("UPDATE voice_channel_participants SET").
		WithArgs("lobby", "alice", true, nil).
		WillReturnRows(row("alice", true))

	p, err := s.UpdateFlags(context.Background(), "lobby", "alice", domain.FlagsUpdate{IsMuted: &muted})
	require.NoError(t, err)
	assert.True(t, p.IsMuted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFlagsMissingRow(t *testing.T) {
	mock, s := setupMockDB(t)
	mock.ExpectQuery("UPDATE voice_channel_participants SET").
		WillReturnError(sql.ErrNoRows)

	_, err := s.UpdateFlags(context.Background(), "lobby", "alice", domain.FlagsUpdate{})
	assert.ErrorIs(t, err, core.ErrPersistenceFailure)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestUpdateConnection(t *testing.T) {
	mock, s := setupMockDB(t)
	mock.ExpectExec("UPDATE voice_channel_participants SET").
		WithArgs("lobby", "alice", "connected", "", "stable").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateConnection(context.Background(), "lobby", "alice", domain.ConnectionInfo{
		ConnectionState: domain.ConnectionStateConnected,
		SignalingState:  domain.SignalingStateStable,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat(t *testing.T) {
	mock, s := setupMockDB(t)
	mock.ExpectExec("UPDATE voice_channel_participants SET last_heartbeat").
		WithArgs("lobby", "alice", joinedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE voice_channel_participants SET last_heartbeat").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Heartbeat(context.Background(), "lobby", "alice"))
	err := s.Heartbeat(context.Background(), "lobby", "alice")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	mock, s := setupMockDB(t)
	rows := sqlmock.NewRows(cols).
		AddRow("lobby", "alice", false, false, "connected", "connected", "stable", joinedAt, joinedAt).
		AddRow("lobby", "bob", true, true, "new", "new", "stable", joinedAt.Add(time.Second), joinedAt)
	mock.ExpectQuery("SELECT (.+) FROM voice_channel_participants").
		WithArgs("lobby").
		WillReturnRows(rows)

	list, err := s.List(context.Background(), "lobby")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.UserID("bob"), list[1].UserID)
	assert.True(t, list[1].IsDeafened)
	assert.Equal(t, domain.ConnectionStateConnected, list[0].ConnectionState)
}

func TestEvictStale(t *testing.T) {
	mock, s := setupMockDB(t)
	cutoff := joinedAt.Add(-30 * time.Second)
	mock.ExpectExec("DELETE FROM voice_channel_participants WHERE last_heartbeat").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.EvictStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDispatchRoutesByChannel(t *testing.T) {
	_, s := setupMockDB(t)

	got := make(chan domain.ParticipantChange, 4)
	sub, err := s.Subscribe(context.Background(), "lobby", func(c domain.ParticipantChange) { got <- c })
	require.NoError(t, err)
	defer sub.Close()

	s.Dispatch([]byte(`{"kind":"INSERT","participant":{"channel_id":"other","user_id":"x","joined_at":"2026-01-02T03:04:05+00:00","last_heartbeat":"2026-01-02T03:04:05+00:00"}}`))
	s.Dispatch([]byte(`not json`))
	s.Dispatch([]byte(`{"kind":"DELETE","participant":{"channel_id":"lobby","user_id":"bob","is_muted":true,"joined_at":"2026-01-02T03:04:05.123456+00:00","last_heartbeat":"2026-01-02T03:04:05+00:00"}}`))

	select {
	case c := <-got:
		assert.Equal(t, domain.ChangeDelete, c.Kind)
		assert.Equal(t, domain.UserID("bob"), c.Participant.UserID)
		assert.True(t, c.Participant.IsMuted)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
	select {
	case c := <-got:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sub.Close())
	s.Dispatch([]byte(`{"kind":"UPDATE","participant":{"channel_id":"lobby","user_id":"bob","joined_at":"2026-01-02T03:04:05+00:00","last_heartbeat":"2026-01-02T03:04:05+00:00"}}`))
	select {
	case c := <-got:
		t.Fatalf("change after close %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResyncReachesEverySubscriber(t *testing.T) {
	_, s := setupMockDB(t)

	got := make(chan domain.ParticipantChange, 4)
	for _, ch := range []domain.ChannelID{"lobby", "other"} {
		sub, err := s.Subscribe(context.Background(), ch, func(c domain.ParticipantChange) { got <- c })
		require.NoError(t, err)
		defer sub.Close()
	}

	s.Resync()

	seen := map[domain.ChannelID]bool{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-got:
			assert.Equal(t, domain.ChangeResync, c.Kind)
			assert.Empty(t, c.Participant.UserID)
			seen[c.Participant.ChannelID] = true
		case <-time.After(time.Second):
			t.Fatal("no resync delivered")
		}
	}
	assert.Equal(t, map[domain.ChannelID]bool{"lobby": true, "other": true}, seen)
}

func TestSchemaDeclaresTrigger(t *testing.T) {
	assert.Contains(t, schema, "pg_notify('"+NotifyChannel+"'")
	assert.Contains(t, schema, "PRIMARY KEY (channel_id, user_id)")
}
