// collection/session.go

// Package collection keeps a live, ordered list of one owner's notes.
package collection

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/domain"
)

// Subscriber is the part of the repository a Session needs.
type Subscriber interface {
	Subscribe(ownerID string, onChange func([]domain.Record)) (func(), error)
}

// OwnerWatcher reports owner changes. *auth.Session satisfies it.
type OwnerWatcher interface {
	Watch(fn func(ownerID string)) func()
}

// View is what consumers render. Records must not be modified.
type View struct {
	OwnerID string
	Records []domain.Record
	Loading bool
}

// Session is either unsubscribed (no owner) or subscribed to exactly one
// owner's records. SetOwner is the only transition.
type Session struct {
	sub      Subscriber
	logger   zerolog.Logger
	onChange func(View)

	mu          sync.Mutex
	owner       string
	gen         uint64
	unsubscribe func()
	records     []domain.Record
	loading     bool
	closed      bool
	stopWatch   func()

	// notifyMu keeps OnChange calls in transition order.
	notifyMu sync.Mutex
}

type Option func(*Session)

// WithOnChange is called after every transition and delivery.
func WithOnChange(fn func(View)) Option {
	return func(s *Session) { s.onChange = fn }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func New(sub Subscriber, opts ...Option) *Session {
	s := &Session{sub: sub, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "collection").Logger()
	return s
}

// Bind makes the session follow w's owner until Close.
func (s *Session) Bind(w OwnerWatcher) {
	stop := w.Watch(s.SetOwner)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.stopWatch = stop
	s.mu.Unlock()
}

// SetOwner always tears down the current subscription, if any, and then
// subscribes to ownerID, even when the owner is unchanged. An empty
// ownerID leaves the session unsubscribed with an empty list that is not
// loading.
func (s *Session) SetOwner(ownerID string) {
	s.mu.Lock()
	if s.closed || (ownerID == "" && s.owner == "" && s.unsubscribe == nil) {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	prev := s.unsubscribe
	s.unsubscribe = nil
	s.owner = ownerID
	s.records = nil
	s.loading = ownerID != ""
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	s.notify()
	if ownerID == "" {
		return
	}

	unsub, err := s.sub.Subscribe(ownerID, func(records []domain.Record) {
		s.deliver(gen, records)
	})

	s.mu.Lock()
	if err != nil {
		if s.gen == gen {
			s.loading = false
		}
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("owner", ownerID).Msg("failed to subscribe to notes")
		s.notify()
		return
	}
	if s.gen != gen {
		// Another transition won the race; this subscription is stale.
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubscribe = unsub
	s.mu.Unlock()
}

func (s *Session) deliver(gen uint64, records []domain.Record) {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.records = records
	s.loading = false
	s.mu.Unlock()
	s.notify()
}

// Records returns the current list, newest update first.
func (s *Session) Records() []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Session) OwnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Record, len(s.records))
	copy(out, s.records)
	return View{OwnerID: s.owner, Records: out, Loading: s.loading}
}

// Close releases the subscription. Later calls do nothing.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	unsub := s.unsubscribe
	stop := s.stopWatch
	s.unsubscribe = nil
	s.stopWatch = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if unsub != nil {
		unsub()
	}
}

func (s *Session) notify() {
	if s.onChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.onChange(s.View())
}
