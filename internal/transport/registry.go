package transport

import (
	"sync"

	"github.com/coachpo/ndaxstream/internal/future"
	"github.com/coachpo/ndaxstream/internal/wire"
)

type pendingRequest struct {
	name   wire.Op
	future *future.Once[wire.Envelope]
}

// registry correlates outstanding requests by sequence and live streams by
// message hash. Subscriptions are indexed both by subscribe hash and by the
// sequence of their latest request frame so acks can be routed back.
type registry struct {
	mu      sync.Mutex
	pending map[int64]pendingRequest
	cells   map[string]*future.Cell[any]
	subs    map[string]*Subscription
	bySeq   map[int64]*Subscription
}

func newRegistry() *registry {
	return &registry{
		pending: make(map[int64]pendingRequest),
		cells:   make(map[string]*future.Cell[any]),
		subs:    make(map[string]*Subscription),
		bySeq:   make(map[int64]*Subscription),
	}
}

func (r *registry) addPending(seq int64, name wire.Op) *future.Once[wire.Envelope] {
	f := future.NewOnce[wire.Envelope]()
	r.mu.Lock()
	r.pending[seq] = pendingRequest{name: name, future: f}
	r.mu.Unlock()
	return f
}

func (r *registry) takePending(seq int64) (pendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[seq]
	if ok {
		delete(r.pending, seq)
	}
	return p, ok
}

func (r *registry) drainPending() []pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pendingRequest, 0, len(r.pending))
	for seq, p := range r.pending {
		out = append(out, p)
		delete(r.pending, seq)
	}
	return out
}

func (r *registry) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// watch returns the cell for hash and either the existing subscription for
// subscribeHash (created=false) or sub, now registered (created=true).
func (r *registry) watch(hash, subscribeHash string, sub *Subscription) (*future.Cell[any], *Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cell, ok := r.cells[hash]
	if !ok {
		cell = future.NewCell[any]()
		r.cells[hash] = cell
	}
	if existing, ok := r.subs[subscribeHash]; ok {
		existing.attach(hash)
		return cell, existing, false
	}
	sub.subscribeHash = subscribeHash
	sub.generation = 0
	sub.hashes = nil
	sub.acked = make(chan struct{})
	sub.ackClosed = false
	sub.attach(hash)
	r.subs[subscribeHash] = sub
	return cell, sub, true
}

// claim marks sub as sent on socket generation gen. It reports false when
// the subscription was already claimed for that socket or is gone.
func (r *registry) claim(sub *Subscription, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[sub.subscribeHash] != sub || sub.generation == gen {
		return false
	}
	sub.generation = gen
	return true
}

func (r *registry) assignSequence(sub *Subscription, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[sub.subscribeHash] != sub {
		return
	}
	if prev := sub.sequence.Load(); prev != 0 {
		delete(r.bySeq, prev)
	}
	sub.sequence.Store(seq)
	r.bySeq[seq] = sub
}

// settle releases everything waiting for sub to be acknowledged.
func (r *registry) settle(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settleLocked(sub)
}

func (r *registry) settleLocked(sub *Subscription) {
	if sub.acked != nil && !sub.ackClosed {
		close(sub.acked)
		sub.ackClosed = true
	}
}

// ackSignal returns the channel closed once the subscription under
// subscribeHash is acknowledged or removed.
func (r *registry) ackSignal(subscribeHash string) (*Subscription, <-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscribeHash]
	if !ok {
		return nil, nil, false
	}
	return sub, sub.acked, true
}

func (r *registry) subscriptionBySequence(seq int64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.bySeq[seq]
	return sub, ok
}

func (r *registry) subscription(subscribeHash string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscribeHash]
	return sub, ok
}

func (r *registry) subscriptions() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// removeSubscription drops sub and returns the cells it fed. Cells shared
// with another live subscription are kept.
func (r *registry) removeSubscription(sub *Subscription) []*future.Cell[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[sub.subscribeHash] != sub {
		return nil
	}
	delete(r.subs, sub.subscribeHash)
	r.settleLocked(sub)
	if seq := sub.sequence.Load(); seq != 0 {
		delete(r.bySeq, seq)
	}
	inUse := make(map[string]struct{})
	for _, other := range r.subs {
		for _, h := range other.hashes {
			inUse[h] = struct{}{}
		}
	}
	cells := make([]*future.Cell[any], 0, len(sub.hashes))
	for _, h := range sub.hashes {
		if _, shared := inUse[h]; shared {
			continue
		}
		if cell, ok := r.cells[h]; ok {
			cells = append(cells, cell)
			delete(r.cells, h)
		}
	}
	return cells
}

func (r *registry) cell(hash string) (*future.Cell[any], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cell, ok := r.cells[hash]
	return cell, ok
}

func (r *registry) drainAll() ([]pendingRequest, []*future.Cell[any]) {
	pending := r.drainPending()
	r.mu.Lock()
	defer r.mu.Unlock()
	cells := make([]*future.Cell[any], 0, len(r.cells))
	for hash, cell := range r.cells {
		cells = append(cells, cell)
		delete(r.cells, hash)
	}
	for _, sub := range r.subs {
		r.settleLocked(sub)
	}
	r.subs = make(map[string]*Subscription)
	r.bySeq = make(map[int64]*Subscription)
	return pending, cells
}
