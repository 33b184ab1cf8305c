// Package stream runs one streaming ingestion session against the generative
// upstream: it drives the transport through the retry policy, feeds fragments
// into the accumulator, and resolves a single structured result (or one
// terminal error) per run.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scriptstream/internal/auth"
	"scriptstream/internal/config"
	"scriptstream/internal/fragment"
	"scriptstream/internal/reconstruct"
	"scriptstream/internal/retry"
	"scriptstream/internal/transport"
)

var (
	// ErrBusy means Start was called while a run was already in flight.
	ErrBusy = errors.New("stream: session already streaming")
	// ErrAborted is the terminal value of a cancelled run; callers usually
	// do not present it as a failure.
	ErrAborted = errors.New("stream: aborted")
	// ErrTimeout is the terminal value when the wall-clock bound expires.
	ErrTimeout = errors.New("stream: timeout")
)

// Opener is the single-attempt transport contract; *transport.Client
// satisfies it.
type Opener interface {
	Open(ctx context.Context, endpoint string, params map[string]any, token string) (*transport.Stream, error)
}

// Options bounds one session. Zero values take the configured defaults.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	MaxChunks  int
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = config.MaxRetries()
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = config.RetryBaseDelay()
	}
	if o.Timeout <= 0 {
		o.Timeout = config.StreamTimeout()
	}
	if o.MaxChunks <= 0 {
		o.MaxChunks = config.MaxChunks()
	}
	return o
}

// Hooks are optional consumer callbacks, invoked synchronously on the
// session's goroutine.
type Hooks struct {
	OnFragment    func(text string)
	OnStateChange func(State)
}

// Snapshot is the observable session state for UIs, loggers and tests.
type Snapshot struct {
	State           State
	IsStreaming     bool
	Err             string
	AccumulatedText string
	ChunkCount      int
	TotalBytes      int
}

// Session owns all mutable state of one logical stream consumer. Concurrent
// sessions never share a seen-set or buffer. At most one run is in flight at
// a time; a second Start during a run is refused.
type Session struct {
	ID string

	opts   Options
	hooks  Hooks
	tokens auth.TokenSource
	opener Opener
	policy retry.Policy

	inflight atomic.Bool

	mu     sync.Mutex
	state  State
	err    error
	acc    *fragment.Accumulator
	result *reconstruct.Result
	cancel context.CancelCauseFunc
}

// Option customizes a Session.
type Option func(*Session)

// WithOpener overrides the transport, mainly for tests.
func WithOpener(o Opener) Option {
	return func(s *Session) { s.opener = o }
}

// WithHooks installs consumer callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Session) { s.hooks = h }
}

// WithSleeper overrides how backoff waits are performed.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Session) { s.policy.Sleep = fn }
}

// New builds an idle session.
func New(tokens auth.TokenSource, opts Options, setters ...Option) *Session {
	opts = opts.withDefaults()
	s := &Session{
		ID:     uuid.NewString(),
		opts:   opts,
		tokens: tokens,
		policy: retry.Policy{MaxRetries: opts.MaxRetries, BaseDelay: opts.RetryDelay},
	}
	for _, set := range setters {
		set(s)
	}
	if s.opener == nil {
		s.opener = transport.New(config.UpstreamTimeout())
	}
	return s
}

// Start runs one logical stream to settlement and returns the reconstructed
// result. It performs an implicit reset first. The caller's ctx cancels the
// run (settling Aborted); the wall-clock timeout settles Failed.
func (s *Session) Start(ctx context.Context, endpoint string, params map[string]any) (*reconstruct.Result, error) {
	if endpoint == "" {
		return nil, errors.New("stream: endpoint required")
	}
	if !s.inflight.CompareAndSwap(false, true) {
		config.Logger.Warn("start ignored, session already streaming", "session", s.ID)
		return nil, ErrBusy
	}
	defer s.inflight.Store(false)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := time.AfterFunc(s.opts.Timeout, func() { cancel(ErrTimeout) })
	defer timer.Stop()

	s.begin(cancel)
	result, err := s.run(runCtx, endpoint, params)
	return s.settle(result, err)
}

// Abort cancels the in-flight run, if any; the session settles Aborted.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(ErrAborted)
	}
}

// Reset aborts any in-flight run and returns the session to Idle. An
// in-flight run settles Aborted on its own exit path; the next Start then
// resets implicitly.
func (s *Session) Reset() {
	s.Abort()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStreaming {
		return
	}
	s.state = StateIdle
	s.err = nil
	s.result = nil
	s.acc = nil
	s.cancel = nil
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state, IsStreaming: s.state == StateStreaming}
	if s.err != nil {
		snap.Err = s.err.Error()
	}
	if s.acc != nil {
		snap.AccumulatedText = s.acc.Text()
		snap.ChunkCount = s.acc.Chunks()
		snap.TotalBytes = s.acc.Bytes()
	}
	return snap
}

// Result returns the settled result, nil unless the session succeeded.
func (s *Session) Result() *reconstruct.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) begin(cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.err = nil
	s.result = nil
	s.acc = fragment.NewAccumulator(s.opts.MaxChunks)
	s.cancel = cancel
	s.state = StateStreaming
	hook := s.hooks.OnStateChange
	s.mu.Unlock()
	if hook != nil {
		hook(StateStreaming)
	}
}

func (s *Session) run(ctx context.Context, endpoint string, params map[string]any) (*reconstruct.Result, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			// A retry is a fresh server-side generation run; mixing its
			// fragments with the failed attempt's buffer is never valid.
			s.swapBuffer()
		}
		result, err := s.attempt(ctx, endpoint, params)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if !retry.Retryable(err) || attempt >= s.policy.MaxRetries {
			return nil, err
		}
		config.Logger.Warn("stream attempt failed, backing off",
			"session", s.ID, "attempt", attempt, "error", err)
		if werr := s.policy.Wait(ctx, attempt, retryAfterHint(err)); werr != nil {
			return nil, werr
		}
	}
}

func (s *Session) attempt(ctx context.Context, endpoint string, params map[string]any) (*reconstruct.Result, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream: token: %w", err)
	}
	st, err := s.opener.Open(ctx, endpoint, params, token)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if st.Final != nil {
		// Non-streaming upstream answer: already the complete structured
		// result, no reconstruction pass.
		return &reconstruct.Result{Data: st.Final, Strategy: reconstruct.StrategyDirect}, nil
	}
	for {
		text, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		s.admit(text)
	}
	res, err := reconstruct.Reconstruct(s.accumulatedText())
	if err != nil {
		return nil, fmt.Errorf("stream: reconstruction: %w", err)
	}
	return &res, nil
}

func (s *Session) settle(result *reconstruct.Result, err error) (*reconstruct.Result, error) {
	switch {
	case err == nil:
		s.finish(StateSucceeded, nil, result)
		return result, nil
	case errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled):
		s.finish(StateAborted, ErrAborted, nil)
		return nil, ErrAborted
	case errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		s.finish(StateFailed, ErrTimeout, nil)
		return nil, ErrTimeout
	default:
		if res, ok := s.salvage(err); ok {
			s.finish(StateSucceeded, nil, res)
			return res, nil
		}
		s.finish(StateFailed, err, nil)
		return nil, err
	}
}

// salvage keeps the last attempt's buffer as the result when the stream
// failed terminally but the completion heuristic had already judged the
// buffer sufficient.
func (s *Session) salvage(cause error) (*reconstruct.Result, bool) {
	s.mu.Lock()
	acc := s.acc
	s.mu.Unlock()
	if acc == nil || !acc.LikelyComplete() {
		return nil, false
	}
	res, err := reconstruct.Reconstruct(acc.Text())
	if err != nil {
		return nil, false
	}
	config.Logger.Info("stream failed but buffer judged complete, keeping reconstruction",
		"session", s.ID, "strategy", res.Strategy, "cause", cause)
	return &res, true
}

func (s *Session) finish(next State, err error, result *reconstruct.Result) {
	s.mu.Lock()
	s.state = next
	s.err = err
	s.result = result
	s.cancel = nil
	if s.acc != nil {
		// Seen-set and retained ring go away at settlement; text and
		// counters stay visible in snapshots for diagnostics.
		s.acc.Release()
	}
	hook := s.hooks.OnStateChange
	s.mu.Unlock()
	config.Logger.Info("session settled", "session", s.ID, "state", next.String())
	if hook != nil {
		hook(next)
	}
}

// admit feeds one fragment through dedup and accumulation. Settled sessions
// admit nothing.
func (s *Session) admit(text string) {
	s.mu.Lock()
	if s.state != StateStreaming || s.acc == nil {
		s.mu.Unlock()
		return
	}
	novel := s.acc.Admit(text)
	hook := s.hooks.OnFragment
	s.mu.Unlock()
	if novel && hook != nil {
		hook(text)
	}
}

func (s *Session) swapBuffer() {
	s.mu.Lock()
	s.acc = fragment.NewAccumulator(s.opts.MaxChunks)
	s.mu.Unlock()
}

func (s *Session) accumulatedText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acc == nil {
		return ""
	}
	return s.acc.Text()
}

func retryAfterHint(err error) time.Duration {
	var se *transport.StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
