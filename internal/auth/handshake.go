package auth

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/observability"
	"github.com/coachpo/ndaxstream/internal/wire"
)

// State is the handshake lifecycle state.
type State int

const (
	Unauthenticated State = iota
	Handshaking
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Handshaking:
		return "handshaking"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Requester sends a correlated request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, name wire.Op, payload any) (wire.Envelope, error)
}

// User is the account summary returned by a successful login.
type User struct {
	UserID        int64  `json:"UserId"`
	UserName      string `json:"UserName"`
	Email         string `json:"Email"`
	EmailVerified bool   `json:"EmailVerified"`
	AccountID     int64  `json:"AccountId"`
	OMSID         int64  `json:"OMSId"`
	Use2FA        bool   `json:"Use2FA"`
}

// Session is the decoded AuthenticateUser reply.
type Session struct {
	Authenticated bool   `json:"Authenticated"`
	SessionToken  string `json:"SessionToken"`
	User          User   `json:"User"`
	Locked        bool   `json:"Locked"`
	Requires2FA   bool   `json:"Requires2FA"`
	ErrorMsg      string `json:"errormsg"`
}

// ParseReply decodes a login reply and fails unless it explicitly confirms authentication.
func ParseReply(payload []byte) (Session, error) {
	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return Session{}, errs.New("ndax", errs.CodeAuth,
			errs.WithOperation(string(wire.OpAuthenticateUser)),
			errs.WithMessage("malformed authentication reply"),
			errs.WithCause(err))
	}
	if !session.Authenticated {
		msg := "failed to authenticate"
		if session.ErrorMsg != "" {
			msg = session.ErrorMsg
		}
		return Session{}, errs.New("ndax", errs.CodeAuth,
			errs.WithOperation(string(wire.OpAuthenticateUser)),
			errs.WithMessage(msg),
			errs.WithRawMessage(string(payload)))
	}
	return session, nil
}

// Handshake runs the login exchange once per connection. Concurrent callers
// share the in-flight attempt; a rejected attempt returns to Unauthenticated
// so a later call can retry.
type Handshake struct {
	signer    *Signer
	requester Requester
	logger    observability.Logger

	group singleflight.Group

	mu         sync.Mutex
	state      State
	generation uint64
	session    Session
}

// NewHandshake constructs a handshake sending signed requests through requester.
func NewHandshake(signer *Signer, requester Requester, logger observability.Logger) *Handshake {
	return &Handshake{
		signer:    signer,
		requester: requester,
		logger:    observability.Or(logger),
		state:     Unauthenticated,
	}
}

// State returns the current lifecycle state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Session returns the active session, if authenticated.
func (h *Handshake) Session() (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session, h.state == Authenticated
}

// Authenticate returns the current session, performing the login exchange if needed.
func (h *Handshake) Authenticate(ctx context.Context) (Session, error) {
	h.mu.Lock()
	if h.state == Authenticated {
		session := h.session
		h.mu.Unlock()
		return session, nil
	}
	h.state = Handshaking
	gen := h.generation
	h.mu.Unlock()

	// The attempt outlives any single caller's cancellation; the request
	// itself is bounded by the transport's reply timeout.
	attemptCtx := context.WithoutCancel(ctx)
	ch := h.group.DoChan(fmt.Sprintf("authenticate-%d", gen), func() (any, error) {
		return h.run(attemptCtx, gen)
	})
	select {
	case <-ctx.Done():
		return Session{}, fmt.Errorf("authenticate: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		session, _ := res.Val.(Session)
		return session, nil
	}
}

func (h *Handshake) run(ctx context.Context, gen uint64) (Session, error) {
	h.mu.Lock()
	if h.state == Authenticated && h.generation == gen {
		session := h.session
		h.mu.Unlock()
		return session, nil
	}
	h.mu.Unlock()

	env, err := h.requester.Request(ctx, wire.OpAuthenticateUser, h.signer.Sign())
	if err == nil {
		var session Session
		session, err = ParseReply(env.Payload)
		if err == nil {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.generation != gen {
				return Session{}, errs.New("ndax", errs.CodeConnectionClosed,
					errs.WithOperation(string(wire.OpAuthenticateUser)),
					errs.WithMessage("connection reset during handshake"))
			}
			h.state = Authenticated
			h.session = session
			h.logger.Info("authenticated", observability.F("user_id", session.User.UserID), observability.F("account_id", session.User.AccountID))
			return session, nil
		}
	}

	h.mu.Lock()
	if h.generation == gen {
		h.state = Unauthenticated
	}
	h.mu.Unlock()
	h.logger.Error("authentication failed", observability.Err(err))
	return Session{}, fmt.Errorf("authenticate: %w", err)
}

// Reset invalidates the session, typically because the socket reconnected.
func (h *Handshake) Reset() {
	h.mu.Lock()
	h.generation++
	h.state = Unauthenticated
	h.session = Session{}
	h.mu.Unlock()
}
