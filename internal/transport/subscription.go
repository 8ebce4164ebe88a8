package transport

import (
	"context"
	"sync/atomic"

	"github.com/coachpo/ndaxstream/internal/wire"
)

// AckHandler processes the reply that acknowledges a subscription request.
type AckHandler func(c *Conn, env wire.Envelope, sub *Subscription)

// Subscription is a long-lived wire subscription. It is registered by the
// first Watch call for its subscribe hash, shared by later callers, and
// replayed with a fresh sequence number after every reconnect.
type Subscription struct {
	Name         wire.Op
	Payload      any
	Symbol       string
	InstrumentID int64
	Timeframe    string
	Limit        int
	Private      bool

	// Prepare runs before the request is (re)sent; private streams use it to
	// complete the login handshake on the current connection.
	Prepare func(ctx context.Context) error
	// OnAck, when set, receives the reply echoing this subscription's sequence.
	OnAck AckHandler

	subscribeHash string
	hashes        []string
	sequence      atomic.Int64
	generation    uint64
	// acked is closed on the first ack or when the subscription is removed.
	acked     chan struct{}
	ackClosed bool
}

// SubscribeHash returns the key the subscription is deduplicated under.
func (s *Subscription) SubscribeHash() string {
	return s.subscribeHash
}

// Sequence returns the sequence number of the most recent request frame.
func (s *Subscription) Sequence() int64 {
	return s.sequence.Load()
}

func (s *Subscription) attach(hash string) {
	for _, h := range s.hashes {
		if h == hash {
			return
		}
	}
	s.hashes = append(s.hashes, hash)
}
