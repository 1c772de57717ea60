// autosave/reconciler.go

// Package autosave turns a stream of edits to one draft into debounced
// upserts and binds the draft to the record its first save creates.
package autosave

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/domain"
)

const (
	DefaultDelay            = time.Second
	DefaultPlaceholderTitle = "Untitled"
)

// Saver is the upsert half of the repository.
type Saver interface {
	Upsert(ctx context.Context, id string, data domain.RecordData) (string, error)
}

// OwnerSource reports the signed-in owner, "" when there is none.
type OwnerSource interface {
	OwnerID() string
}

// State is the observable side of a Reconciler.
type State struct {
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	IsSaving    bool       `json:"is_saving"`
	LastSavedAt *time.Time `json:"last_saved_at"`
	BoundID     string     `json:"bound_id,omitempty"`
}

// Reconciler owns one draft. Each edit restarts a single debounce timer;
// when it fires the current draft is upserted.
//
// By default saves are not serialised: a timer can fire while an earlier
// save is still in flight and both run, so the store's own write order
// decides which content ends up last. If the draft is still unbound at
// that point both saves create a record. WithSingleFlight closes that gap
// by keeping at most one save in flight and folding anything that arrives
// meanwhile into one follow-up save.
type Reconciler struct {
	saver        Saver
	owner        OwnerSource
	clock        Clock
	logger       zerolog.Logger
	ctx          context.Context
	delay        time.Duration
	placeholder  string
	singleFlight bool
	onChange     func(State)
	onBind       func(id string)

	mu          sync.Mutex
	draft       domain.Draft
	epoch       uint64
	lastSavedAt *time.Time
	inFlight    int
	queued      bool
	timer       Timer
	timerGen    uint64
	closed      bool
	saves       sync.WaitGroup

	notifyMu sync.Mutex
}

type Option func(*Reconciler)

func WithDelay(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.delay = d
		}
	}
}

// WithPlaceholder sets the title saved when the draft title is blank.
func WithPlaceholder(title string) Option {
	return func(r *Reconciler) {
		if strings.TrimSpace(title) != "" {
			r.placeholder = title
		}
	}
}

func WithClock(c Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithContext sets the context timer-fired saves start under. Its values
// reach the saver; its cancellation does not.
func WithContext(ctx context.Context) Option {
	return func(r *Reconciler) { r.ctx = ctx }
}

func WithSingleFlight() Option {
	return func(r *Reconciler) { r.singleFlight = true }
}

// WithOnChange is called with the new state after edits and save
// transitions.
func WithOnChange(fn func(State)) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

// WithOnBind is called once when the first save assigns the draft an id.
func WithOnBind(fn func(id string)) Option {
	return func(r *Reconciler) { r.onBind = fn }
}

func New(saver Saver, owner OwnerSource, draft domain.Draft, opts ...Option) *Reconciler {
	r := &Reconciler{
		saver:       saver,
		owner:       owner,
		clock:       systemClock{},
		logger:      zerolog.Nop(),
		ctx:         context.Background(),
		delay:       DefaultDelay,
		placeholder: DefaultPlaceholderTitle,
		draft:       draft,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "autosave").Logger()
	return r
}

func (r *Reconciler) SetTitle(text string) {
	r.edit(func(d *domain.Draft) { d.Title = text })
}

func (r *Reconciler) SetBody(text string) {
	r.edit(func(d *domain.Draft) { d.Body = text })
}

func (r *Reconciler) edit(apply func(*domain.Draft)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	apply(&r.draft)
	r.scheduleLocked()
	r.mu.Unlock()
	r.notify()
}

// Flush cancels the pending timer and saves the current draft on the
// calling goroutine.
func (r *Reconciler) Flush(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.cancelLocked()
	r.mu.Unlock()
	r.save(ctx)
}

// Reset points the reconciler at a different draft, typically when the
// editor is redirected to another record. It is not an edit: nothing is
// scheduled and a pending save of the old draft is dropped.
func (r *Reconciler) Reset(draft domain.Draft) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.cancelLocked()
	r.draft = draft
	r.epoch++
	r.lastSavedAt = nil
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

// Pending reports whether a debounced save is waiting to fire.
func (r *Reconciler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Close stops the timer and ignores further edits and flushes. Saves
// already in flight, and a follow-up they queued, still run to completion;
// Wait blocks until they have.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.cancelLocked()
	r.mu.Unlock()
}

// Wait blocks until no save is in flight. Call it after Close.
func (r *Reconciler) Wait() {
	r.saves.Wait()
}

func (r *Reconciler) stateLocked() State {
	s := State{
		Title:    r.draft.Title,
		Body:     r.draft.Body,
		IsSaving: r.inFlight > 0,
		BoundID:  r.draft.BoundID,
	}
	if r.lastSavedAt != nil {
		t := *r.lastSavedAt
		s.LastSavedAt = &t
	}
	return s
}

func (r *Reconciler) scheduleLocked() {
	r.cancelLocked()
	gen := r.timerGen
	r.timer = r.clock.AfterFunc(r.delay, func() { r.fire(gen) })
}

// cancelLocked also bumps the generation, so a timer that was already
// firing when stopped finds itself stale.
func (r *Reconciler) cancelLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

func (r *Reconciler) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.timerGen || r.closed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()
	r.save(r.ctx)
}

func (r *Reconciler) saveableLocked(d domain.Draft) bool {
	if strings.TrimSpace(d.Title) == "" && strings.TrimSpace(d.Body) == "" {
		r.logger.Debug().Msg("skipping save of empty draft")
		return false
	}
	if r.owner == nil || r.owner.OwnerID() == "" {
		r.logger.Debug().Msg("skipping save without owner")
		return false
	}
	return true
}

// save dispatches one upsert. Once dispatched it is never cancelled:
// ctx only contributes its values.
func (r *Reconciler) save(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.singleFlight && r.inFlight > 0 {
		r.queued = true
		r.mu.Unlock()
		return
	}
	d, epoch := r.draft, r.epoch
	if !r.saveableLocked(d) {
		r.mu.Unlock()
		return
	}
	r.inFlight++
	r.saves.Add(1)
	r.mu.Unlock()
	r.notify()

	for r.perform(ctx, d, epoch) {
		r.mu.Lock()
		d, epoch = r.draft, r.epoch
		if !r.saveableLocked(d) {
			r.inFlight--
			r.saves.Done()
			r.mu.Unlock()
			r.notify()
			return
		}
		r.mu.Unlock()
	}
}

// perform runs one upsert inside an in-flight slot the caller already
// took. It gives the slot back unless a queued follow-up should reuse it,
// in which case it reports true.
func (r *Reconciler) perform(ctx context.Context, d domain.Draft, epoch uint64) (again bool) {
	completed := false
	defer func() {
		r.mu.Lock()
		if completed && r.singleFlight && r.queued {
			r.queued = false
			again = true
		} else {
			r.inFlight--
			r.saves.Done()
		}
		r.mu.Unlock()
		if !again {
			r.notify()
		}
	}()

	data := domain.RecordData{
		Title: strings.TrimSpace(d.Title),
		Body:  strings.TrimSpace(d.Body),
	}
	if data.Title == "" {
		data.Title = r.placeholder
	}

	id, err := r.saver.Upsert(ctx, d.BoundID, data)
	completed = true
	if err != nil {
		r.logger.Warn().Err(err).Str("bound_id", d.BoundID).Msg("autosave failed")
		return false
	}

	r.mu.Lock()
	bound := ""
	if r.epoch == epoch {
		if r.draft.BoundID == "" && id != "" {
			r.draft.BoundID = id
			bound = id
		}
		now := r.clock.Now()
		r.lastSavedAt = &now
	}
	r.mu.Unlock()

	if bound != "" {
		r.logger.Debug().Str("id", bound).Msg("draft bound to record")
		if r.onBind != nil {
			r.onBind(bound)
		}
	}
	return false
}

func (r *Reconciler) notify() {
	if r.onChange == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.onChange(r.State())
}
