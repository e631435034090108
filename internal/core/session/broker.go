package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"karaoke/internal/cancel"
	"karaoke/internal/logger"
	"karaoke/internal/metrics"
	"karaoke/internal/platform/browser"
	"karaoke/internal/worker"

	"github.com/google/uuid"
)

var (
	// ErrAuthRequired means the source needs a login the pipeline does not
	// hold. Controllers react by forcing a fresh login flow.
	ErrAuthRequired       = errors.New("authentication required")
	ErrCredentialsTimeout = errors.New("no credentials supplied before timeout")
	ErrLoginRejected      = errors.New("login rejected")
	ErrUnknownRequest     = errors.New("no outstanding credentials request with that id")
)

type State string

const (
	StateNoSession      State = "no_session"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateExpired        State = "expired"
)

type Options struct {
	Email             string
	Password          string
	CredentialTimeout time.Duration
}

type pendingRequest struct {
	id      string
	replies chan Credentials
	created time.Time
}

// PendingRequest is what the operator API shows while a login is awaited.
type PendingRequest struct {
	RequestID string    `json:"requestId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Broker owns the login session of the gated source. Ensure calls are
// serialized so concurrent runs share one login; Snapshot readers never
// block on a login in progress.
type Broker struct {
	// One slot. Waiting for it honours the caller's context, so a run whose
	// deadline fires while another run waits for credentials gives up.
	flight chan struct{}

	mu      sync.RWMutex
	state   State
	session SessionState
	pending *pendingRequest

	store  Store
	auth   Authenticator
	cancel *cancel.Service
	opts   Options
	now    func() time.Time
	log    *logger.Logger
}

func NewBroker(store Store, auth Authenticator, svc *cancel.Service, opts Options) *Broker {
	if opts.CredentialTimeout <= 0 {
		opts.CredentialTimeout = 5 * time.Minute
	}
	return &Broker{
		flight: make(chan struct{}, 1),
		state:  StateNoSession,
		store:  store,
		auth:   auth,
		cancel: svc,
		opts:   opts,
		now:    time.Now,
		log:    logger.New("SessionBroker"),
	}
}

func (b *Broker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Snapshot returns a copy of the current session.
func (b *Broker) Snapshot() SessionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session.clone()
}

func (b *Broker) setState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()
	if prev != s {
		b.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("session state changed")
	}
}

// Ensure returns cookies for an authenticated session, logging in when
// needed. Without static credentials it emits one CredentialsRequest and
// waits for Supply, bounded by the credential timeout.
func (b *Broker) Ensure(ctx context.Context, emit worker.Emit) ([]browser.Cookie, error) {
	select {
	case b.flight <- struct{}{}:
	case <-ctx.Done():
		return nil, cancel.Cause(ctx)
	}
	defer func() { <-b.flight }()

	if b.State() == StateActive {
		return b.Snapshot().Cookies, nil
	}
	if err := b.cancel.ThrowIfCancelled("session"); err != nil {
		return nil, err
	}

	if cookies, ok := b.tryPersisted(ctx); ok {
		return cookies, nil
	}

	b.setState(StateAuthenticating)
	creds, err := b.credentials(ctx, emit)
	if err != nil {
		b.setState(StateExpired)
		return nil, err
	}
	if emit != nil {
		emit.Progressf("Logging in to Facebook")
	}
	cookies, err := b.auth.Login(ctx, creds)
	if err != nil {
		b.setState(StateExpired)
		if errors.Is(err, ErrLoginRejected) {
			return nil, fmt.Errorf("%w: %w", ErrAuthRequired, err)
		}
		return nil, fmt.Errorf("login: %w", err)
	}

	state := SessionState{Cookies: cookies, LastValidatedAt: b.now()}
	if err := b.store.Save(ctx, state); err != nil {
		b.log.LogWarnf("persist session: %v", err)
	}
	b.mu.Lock()
	b.session = state.clone()
	b.mu.Unlock()
	b.setState(StateActive)
	return state.Cookies, nil
}

func (b *Broker) tryPersisted(ctx context.Context) ([]browser.Cookie, bool) {
	st, err := b.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			b.log.LogWarnf("load session: %v", err)
		}
		return nil, false
	}
	if st.IsExpired || len(st.Cookies) == 0 {
		return nil, false
	}
	ok, err := b.auth.Validate(ctx, st.Cookies)
	if err != nil {
		b.log.LogWarnf("validate session: %v", err)
		return nil, false
	}
	if !ok {
		st.IsExpired = true
		_ = b.store.Save(ctx, st)
		return nil, false
	}
	st.LastValidatedAt = b.now()
	if err := b.store.Save(ctx, st); err != nil {
		b.log.LogWarnf("persist session: %v", err)
	}
	b.mu.Lock()
	b.session = st.clone()
	b.mu.Unlock()
	b.setState(StateActive)
	return st.Cookies, true
}

func (b *Broker) credentials(ctx context.Context, emit worker.Emit) (Credentials, error) {
	if b.opts.Email != "" && b.opts.Password != "" {
		return Credentials{Email: b.opts.Email, Password: b.opts.Password}, nil
	}

	req := &pendingRequest{id: uuid.NewString(), replies: make(chan Credentials, 1), created: b.now()}
	b.mu.Lock()
	b.pending = req
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.pending == req {
			b.pending = nil
		}
		b.mu.Unlock()
	}()

	wctx, release := b.cancel.Scope(ctx, "credentials:"+req.id, "waiting for facebook credentials", b.opts.CredentialTimeout)
	defer release()

	b.log.Warn().Str("request_id", req.id).Dur("timeout", b.opts.CredentialTimeout).Msg("interactive credentials needed")
	if emit != nil {
		emit(worker.CredentialsRequest{RequestID: req.id})
	}

	select {
	case creds := <-req.replies:
		metrics.CredentialRequests.WithLabelValues("supplied").Inc()
		return creds, nil
	case <-wctx.Done():
		cause := cancel.Cause(wctx)
		if errors.Is(cause, cancel.ErrTimeout) {
			metrics.CredentialRequests.WithLabelValues("timeout").Inc()
			return Credentials{}, fmt.Errorf("%w: %w", ErrAuthRequired, ErrCredentialsTimeout)
		}
		return Credentials{}, cause
	}
}

// Supply answers the outstanding credentials request. A mismatched id is
// rejected and the request keeps waiting.
func (b *Broker) Supply(creds Credentials) error {
	b.mu.RLock()
	req := b.pending
	b.mu.RUnlock()
	if req == nil || req.id != creds.RequestID {
		metrics.CredentialRequests.WithLabelValues("rejected").Inc()
		return ErrUnknownRequest
	}
	if creds.Email == "" || creds.Password == "" {
		return errors.New("email and password are required")
	}
	select {
	case req.replies <- creds:
		return nil
	default:
		return ErrUnknownRequest
	}
}

// Pending returns the outstanding request, if any.
func (b *Broker) Pending() (PendingRequest, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.pending == nil {
		return PendingRequest{}, false
	}
	return PendingRequest{RequestID: b.pending.id, CreatedAt: b.pending.created}, true
}

// Invalidate forces the next Ensure to log in again. Extraction calls it
// when an Active session hits the login wall.
func (b *Broker) Invalidate(ctx context.Context) {
	b.mu.Lock()
	b.session.IsExpired = true
	st := b.session.clone()
	b.mu.Unlock()
	b.setState(StateExpired)
	if len(st.Cookies) > 0 {
		if err := b.store.Save(ctx, st); err != nil {
			b.log.LogWarnf("persist expired session: %v", err)
		}
	}
}
