// Package postgres is a core.SessionStore on PostgreSQL. Realtime change
// events come from a row trigger publishing on LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/observability"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the LISTEN/NOTIFY channel the schema trigger publishes on.
const NotifyChannel = "voice_participants"

//go:embed schema.sql
var schema string

var ErrNoSession = errors.New("no session row")

const columns = `channel_id, user_id, is_muted, is_deafened, connection_state,
	ice_connection_state, signaling_state, joined_at, last_heartbeat`

type Store struct {
	db       *sql.DB
	listener *pq.Listener
	metrics  *observability.Metrics
	now      func() time.Time

	mu   sync.Mutex
	subs map[domain.ChannelID]map[*subscriber]struct{}
}

// New wraps an open database. Without a listener attached the store still
// serves reads and writes, and Subscribe only sees events passed to Dispatch.
func New(db *sql.DB, metrics *observability.Metrics) *Store {
	return &Store{
		db:      db,
		metrics: metrics,
		now:     time.Now,
		subs:    make(map[domain.ChannelID]map[*subscriber]struct{}),
	}
}

// Open connects to dsn, applies the schema and starts listening for changes.
func Open(ctx context.Context, dsn string, metrics *observability.Metrics) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", core.ErrPersistenceFailure, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %w", core.ErrPersistenceFailure, err)
	}
	s := New(db, metrics)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "store.postgres").Int("event", int(ev)).Msg("listener event")
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		_ = listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("%w: listen: %w", core.ErrPersistenceFailure, err)
	}
	s.listener = listener
	go s.listen()
	log.Info().Str("module", "store.postgres").Msg("session store ready")
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate: %w", core.ErrPersistenceFailure, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return s.db.Close()
}

func (s *Store) Join(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) (domain.Participant, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO voice_channel_participants (`+columns+`)
		VALUES ($1, $2, FALSE, FALSE, $3, $4, $5, $6, $6)
		ON CONFLICT (channel_id, user_id) DO NOTHING`,
		channelID, userID, domain.ConnectionStateNew, domain.ICEConnectionStateNew, domain.SignalingStateStable, now)
	if err != nil {
		return domain.Participant{}, s.fail("join", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM voice_channel_participants
		WHERE channel_id = $1 AND user_id = $2`, channelID, userID)
	p, err := scanParticipant(row)
	if err != nil {
		return domain.Participant{}, s.fail("join", err)
	}
	return p, nil
}

func (s *Store) Leave(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM voice_channel_participants
		WHERE channel_id = $1 AND user_id = $2`, channelID, userID)
	if err != nil {
		return s.fail("leave", err)
	}
	return nil
}

func (s *Store) UpdateFlags(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, upd domain.FlagsUpdate) (domain.Participant, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE voice_channel_participants SET
		is_muted = COALESCE($3, is_muted),
		is_deafened = COALESCE($4, is_deafened)
		WHERE channel_id = $1 AND user_id = $2
		RETURNING `+columns,
		channelID, userID, nullBool(upd.IsMuted), nullBool(upd.IsDeafened))
	p, err := scanParticipant(row)
	if err != nil {
		return domain.Participant{}, s.fail("update_flags", err)
	}
	return p, nil
}

func (s *Store) UpdateConnection(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, info domain.ConnectionInfo) error {
	res, err := s.db.ExecContext(ctx, `UPDATE voice_channel_participants SET
		connection_state = COALESCE(NULLIF($3, ''), connection_state),
		ice_connection_state = COALESCE(NULLIF($4, ''), ice_connection_state),
		signaling_state = COALESCE(NULLIF($5, ''), signaling_state)
		WHERE channel_id = $1 AND user_id = $2`,
		channelID, userID, string(info.ConnectionState), string(info.ICEConnectionState), string(info.SignalingState))
	return s.checkAffected("update_connection", res, err)
}

func (s *Store) Heartbeat(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE voice_channel_participants SET last_heartbeat = $3
		WHERE channel_id = $1 AND user_id = $2`, channelID, userID, s.now().UTC())
	return s.checkAffected("heartbeat", res, err)
}

// List returns the channel's rows ordered by join time.
func (s *Store) List(ctx context.Context, channelID domain.ChannelID) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM voice_channel_participants
		WHERE channel_id = $1 ORDER BY joined_at, user_id`, channelID)
	if err != nil {
		return nil, s.fail("list", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, s.fail("list", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list", err)
	}
	return out, nil
}

// EvictStale deletes rows in every channel whose heartbeat is before olderThan.
func (s *Store) EvictStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM voice_channel_participants WHERE last_heartbeat < $1`, olderThan.UTC())
	if err != nil {
		return 0, s.fail("evict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.fail("evict", err)
	}
	return n, nil
}

func (s *Store) checkAffected(op string, res sql.Result, err error) error {
	if err != nil {
		return s.fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail(op, err)
	}
	if n == 0 {
		return s.fail(op, ErrNoSession)
	}
	return nil
}

func (s *Store) fail(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNoSession
	}
	s.metrics.StoreError(op)
	log.Error().Err(err).Str("module", "store.postgres").Str("op", op).Msg("store failure")
	return fmt.Errorf("%w: %s: %w", core.ErrPersistenceFailure, op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row scanner) (domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(&p.ChannelID, &p.UserID, &p.IsMuted, &p.IsDeafened, &p.ConnectionState,
		&p.ICEConnectionState, &p.SignalingState, &p.JoinedAt, &p.LastHeartbeat)
	if err != nil {
		return domain.Participant{}, err
	}
	p.JoinedAt = p.JoinedAt.UTC()
	p.LastHeartbeat = p.LastHeartbeat.UTC()
	return p, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// Subscribe delivers the channel's changes in notification order.
func (s *Store) Subscribe(ctx context.Context, channelID domain.ChannelID, onChange func(domain.ParticipantChange)) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscriber(s, channelID, onChange)
	s.mu.Lock()
	if s.subs[channelID] == nil {
		s.subs[channelID] = make(map[*subscriber]struct{})
	}
	s.subs[channelID][sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

func (s *Store) listen() {
	for n := range s.listener.Notify {
		// nil after a reconnect; events in the gap are lost.
		if n == nil {
			log.Warn().Str("module", "store.postgres").Msg("listener reconnected")
			s.Resync()
			continue
		}
		s.Dispatch([]byte(n.Extra))
	}
}

// Dispatch routes one NOTIFY payload to the subscribers of its channel.
func (s *Store) Dispatch(payload []byte) {
	var change domain.ParticipantChange
	if err := json.Unmarshal(payload, &change); err != nil {
		log.Warn().Err(err).Str("module", "store.postgres").Msg("bad notification")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[change.Participant.ChannelID] {
		sub.push(change)
	}
}

// Resync tells every subscriber to list its channel again.
func (s *Store) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channelID, subs := range s.subs {
		change := domain.ParticipantChange{
			Kind:        domain.ChangeResync,
			Participant: domain.Participant{ChannelID: channelID},
		}
		for sub := range subs {
			sub.push(change)
		}
	}
}

func (s *Store) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subs[sub.channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.subs, sub.channel)
		}
	}
}
