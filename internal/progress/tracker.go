// Package progress keeps the in-memory, per run key view of active dispatch
// runs. It is read by observers only; losing it never affects delivery.
package progress

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// IDSet is a set of recipient ids. It marshals as a sorted JSON array.
type IDSet map[int64]struct{}

// Has reports membership.
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON implements json.Marshaler.
func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	*s = set
	return nil
}

func (s IDSet) clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// State is the progress of one run.
type State struct {
	IsSending           bool       `json:"is_sending"`
	CurrentRecipientID  *int64     `json:"current_recipient_id,omitempty"`
	Completed           IDSet      `json:"completed"`
	Failed              IDSet      `json:"failed"`
	ListID              *int64     `json:"list_id,omitempty"`
	Total               int        `json:"total"`
	CurrentIndex        int        `json:"current_index"`
	DelayEndTime        *time.Time `json:"delay_end_time,omitempty"`
	IsRateLimitRetrying bool       `json:"is_rate_limit_retrying"`
	StartedAt           time.Time  `json:"started_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (s *State) clone() State {
	out := *s
	out.Completed = s.Completed.clone()
	out.Failed = s.Failed.clone()
	if s.CurrentRecipientID != nil {
		id := *s.CurrentRecipientID
		out.CurrentRecipientID = &id
	}
	if s.ListID != nil {
		id := *s.ListID
		out.ListID = &id
	}
	if s.DelayEndTime != nil {
		t := *s.DelayEndTime
		out.DelayEndTime = &t
	}
	return out
}

// Snapshot is a deep copy of every tracked run keyed by run key.
type Snapshot map[string]State

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker is the keyed progress map. Every mutation is a no-op when the key is
// absent, except Start which creates it.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

// NewTracker constructs an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		states: make(map[string]*State),
		subs:   make(map[int]chan Snapshot),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Start (re)initialises the state for key.
func (t *Tracker) Start(key string, listID *int64, total int) {
	now := t.now()
	st := &State{
		IsSending: true,
		Completed: IDSet{},
		Failed:    IDSet{},
		Total:     total,
		StartedAt: now,
		UpdatedAt: now,
	}
	if listID != nil {
		id := *listID
		st.ListID = &id
	}

	t.mu.Lock()
	t.states[key] = st
	t.mu.Unlock()
	t.broadcast()
}

// SetCurrent records the recipient being processed.
func (t *Tracker) SetCurrent(key string, recipientID int64, index int) {
	t.update(key, func(s *State) {
		id := recipientID
		s.CurrentRecipientID = &id
		s.CurrentIndex = index
	})
}

// MarkCompleted adds id to the completed set.
func (t *Tracker) MarkCompleted(key string, id int64) {
	t.update(key, func(s *State) {
		delete(s.Failed, id)
		s.Completed[id] = struct{}{}
	})
}

// MarkFailed adds id to the failed set.
func (t *Tracker) MarkFailed(key string, id int64) {
	t.update(key, func(s *State) {
		delete(s.Completed, id)
		s.Failed[id] = struct{}{}
	})
}

// StartDelay records an inter-recipient pacing delay of d.
func (t *Tracker) StartDelay(key string, d time.Duration) {
	t.update(key, func(s *State) {
		end := t.now().Add(d)
		s.DelayEndTime = &end
		s.IsRateLimitRetrying = false
	})
}

// StartRateLimitRetry records a backoff delay of d on the current recipient.
func (t *Tracker) StartRateLimitRetry(key string, d time.Duration) {
	t.update(key, func(s *State) {
		end := t.now().Add(d)
		s.DelayEndTime = &end
		s.IsRateLimitRetrying = true
	})
}

// ClearDelay clears any pacing or backoff delay.
func (t *Tracker) ClearDelay(key string) {
	t.update(key, func(s *State) {
		s.DelayEndTime = nil
		s.IsRateLimitRetrying = false
	})
}

// End marks the run as no longer sending. The final sets stay readable until
// Reset.
func (t *Tracker) End(key string) {
	t.update(key, func(s *State) {
		s.IsSending = false
		s.CurrentRecipientID = nil
		s.DelayEndTime = nil
		s.IsRateLimitRetrying = false
	})
}

// Reset forgets key entirely.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	_, ok := t.states[key]
	delete(t.states, key)
	t.mu.Unlock()
	if ok {
		t.broadcast()
	}
}

// Get returns a copy of the state for key.
func (t *Tracker) Get(key string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key]
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

// Snapshot returns a deep copy of all states.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Subscribe returns a channel that receives the full snapshot after every
// change, starting with the current one. Slow readers only ever see the
// latest snapshot. Snapshots are shared between subscribers and must be
// treated as read-only. The returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- t.Snapshot()

	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) update(key string, fn func(*State)) {
	t.mu.Lock()
	st, ok := t.states[key]
	if ok {
		fn(st)
		st.UpdatedAt = t.now()
	}
	t.mu.Unlock()
	if ok {
		t.broadcast()
	}
}

func (t *Tracker) snapshotLocked() Snapshot {
	out := make(Snapshot, len(t.states))
	for k, st := range t.states {
		out[k] = st.clone()
	}
	return out
}

func (t *Tracker) broadcast() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if len(t.subs) == 0 {
		return
	}
	snap := t.Snapshot()
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
