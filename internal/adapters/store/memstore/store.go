// Package memstore is an in-memory core.SessionStore with realtime change
// notification. It backs tests and the single-process client.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

var ErrNoSession = errors.New("no session row")

type Store struct {
	mu       sync.Mutex
	rows     map[domain.ChannelID]map[domain.UserID]domain.Participant
	subs     map[domain.ChannelID]map[*subscriber]struct{}
	failures map[string]error
	now      func() time.Time
}

func New() *Store {
	return &Store{
		rows:     make(map[domain.ChannelID]map[domain.UserID]domain.Participant),
		subs:     make(map[domain.ChannelID]map[*subscriber]struct{}),
		failures: make(map[string]error),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// Fail makes op ("join", "leave", "update_flags", "update_connection",
// "heartbeat", "list", "subscribe") fail with err until cleared with a nil err.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) Join(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "join"); err != nil {
		return domain.Participant{}, err
	}
	if p, ok := s.rows[channelID][userID]; ok {
		return p, nil
	}
	p := domain.NewParticipant(channelID, userID, s.now().UTC())
	if s.rows[channelID] == nil {
		s.rows[channelID] = make(map[domain.UserID]domain.Participant)
	}
	s.rows[channelID][userID] = p
	s.notifyLocked(domain.ParticipantChange{Kind: domain.ChangeInsert, Participant: p})
	return p, nil
}

func (s *Store) Leave(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "leave"); err != nil {
		return err
	}
	s.deleteLocked(channelID, userID)
	return nil
}

func (s *Store) UpdateFlags(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, upd domain.FlagsUpdate) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "update_flags"); err != nil {
		return domain.Participant{}, err
	}
	return s.updateLocked(channelID, userID, upd.Apply)
}

func (s *Store) UpdateConnection(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, info domain.ConnectionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "update_connection"); err != nil {
		return err
	}
	_, err := s.updateLocked(channelID, userID, info.Apply)
	return err
}

func (s *Store) Heartbeat(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "heartbeat"); err != nil {
		return err
	}
	now := s.now().UTC()
	_, err := s.updateLocked(channelID, userID, func(p domain.Participant) domain.Participant {
		p.LastHeartbeat = now
		return p
	})
	return err
}

// List returns the channel's rows ordered by join time.
func (s *Store) List(ctx context.Context, channelID domain.ChannelID) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "list"); err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(s.rows[channelID]))
	for _, p := range s.rows[channelID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// Subscribe delivers changes in commit order on a dedicated goroutine.
func (s *Store) Subscribe(ctx context.Context, channelID domain.ChannelID, onChange func(domain.ParticipantChange)) (core.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "subscribe"); err != nil {
		return nil, err
	}
	sub := newSubscriber(s, channelID, onChange)
	if s.subs[channelID] == nil {
		s.subs[channelID] = make(map[*subscriber]struct{})
	}
	s.subs[channelID][sub] = struct{}{}
	return sub, nil
}

// EvictStale deletes rows in every channel whose heartbeat is before olderThan.
func (s *Store) EvictStale(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "evict"); err != nil {
		return 0, err
	}
	var n int64
	for ch, rows := range s.rows {
		for id, p := range rows {
			if p.LastHeartbeat.Before(olderThan) {
				s.deleteLocked(ch, id)
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) checkLocked(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.failures[op]; err != nil {
		return fmt.Errorf("%w: %s: %w", core.ErrPersistenceFailure, op, err)
	}
	return nil
}

func (s *Store) updateLocked(channelID domain.ChannelID, userID domain.UserID, fn func(domain.Participant) domain.Participant) (domain.Participant, error) {
	p, ok := s.rows[channelID][userID]
	if !ok {
		return domain.Participant{}, fmt.Errorf("%w: %s/%s: %w", core.ErrPersistenceFailure, channelID, userID, ErrNoSession)
	}
	p = fn(p)
	s.rows[channelID][userID] = p
	s.notifyLocked(domain.ParticipantChange{Kind: domain.ChangeUpdate, Participant: p})
	return p, nil
}

func (s *Store) deleteLocked(channelID domain.ChannelID, userID domain.UserID) {
	p, ok := s.rows[channelID][userID]
	if !ok {
		return
	}
	delete(s.rows[channelID], userID)
	if len(s.rows[channelID]) == 0 {
		delete(s.rows, channelID)
	}
	s.notifyLocked(domain.ParticipantChange{Kind: domain.ChangeDelete, Participant: p})
}

func (s *Store) notifyLocked(change domain.ParticipantChange) {
	for sub := range s.subs[change.Participant.ChannelID] {
		sub.push(change)
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

// subscriber owns an unbounded FIFO drained by one goroutine.
type subscriber struct {
	store    *Store
	channel  domain.ChannelID
	onChange func(domain.ParticipantChange)

	mu     sync.Mutex
	queue  []domain.ParticipantChange
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscriber(store *Store, channel domain.ChannelID, onChange func(domain.ParticipantChange)) *subscriber {
	sub := &subscriber{
		store:    store,
		channel:  channel,
		onChange: onChange,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (s *subscriber) push(change domain.ParticipantChange) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, change)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			change := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.onChange(change)
		}
	}
}

func (s *subscriber) Close() error {
	s.store.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.queue = nil
		close(s.done)
	}
	return nil
}
