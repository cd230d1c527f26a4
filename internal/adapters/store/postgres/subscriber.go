package postgres

import (
	"sync"

	"github.com/dkeye/voicelink/internal/domain"
)

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

func (s *subscriber) next() (domain.ParticipantChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return domain.ParticipantChange{}, false
	}
	change := s.queue[0]
	s.queue = s.queue[1:]
	return change, true
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for change, ok := s.next(); ok; change, ok = s.next() {
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
