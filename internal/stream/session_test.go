package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"scriptstream/internal/auth"
	"scriptstream/internal/transport"
)

func fragLine(text string) string {
	return fmt.Sprintf(`{"text":%q}`, text)
}

func ndjsonHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			_, _ = io.WriteString(w, l+"\n")
		}
	}
}

func newTestSession(opts Options, setters ...Option) *Session {
	return New(auth.StaticTokenSource("test-token"), opts, setters...)
}

func TestStartReconstructsStreamedResult(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(
		fragLine(`{"data": {"title": `),
		fragLine(`"pilot", "scenes": `),
		fragLine(`["open", "close"]}}`),
	))
	defer srv.Close()

	var fragments []string
	var states []State
	sess := newTestSession(Options{RetryDelay: time.Millisecond}, WithHooks(Hooks{
		OnFragment:    func(text string) { fragments = append(fragments, text) },
		OnStateChange: func(st State) { states = append(states, st) },
	}))

	res, err := sess.Start(context.Background(), srv.URL, map[string]any{"prompt": "p"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	data, ok := res.Data["data"].(map[string]any)
	if !ok || data["title"] != "pilot" {
		t.Fatalf("unexpected result: %#v", res.Data)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 3 fragment callbacks, got %d", len(fragments))
	}
	if len(states) != 2 || states[0] != StateStreaming || states[1] != StateSucceeded {
		t.Fatalf("unexpected state transitions: %v", states)
	}

	snap := sess.Snapshot()
	if snap.State != StateSucceeded || snap.IsStreaming {
		t.Fatalf("unexpected snapshot state: %+v", snap)
	}
	if snap.ChunkCount != 3 || snap.TotalBytes == 0 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestStartDeduplicatesRepeatedFragments(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(
		fragLine("once "),
		fragLine("once "),
		fragLine("twice"),
	))
	defer srv.Close()

	sess := newTestSession(Options{RetryDelay: time.Millisecond})
	if _, err := sess.Start(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	snap := sess.Snapshot()
	if snap.ChunkCount != 2 {
		t.Fatalf("expected 2 distinct chunks, got %d", snap.ChunkCount)
	}
	if snap.AccumulatedText != "once twice" {
		t.Fatalf("unexpected accumulated text %q", snap.AccumulatedText)
	}
}

func TestStartShortCircuitsNonStreamingResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"title":"already done"}}`)
	}))
	defer srv.Close()

	sess := newTestSession(Options{RetryDelay: time.Millisecond})
	res, err := sess.Start(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.Data["data"].(map[string]any)["title"] != "already done" {
		t.Fatalf("unexpected result: %#v", res.Data)
	}
	if snap := sess.Snapshot(); snap.State != StateSucceeded || snap.ChunkCount != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStartRetriesRetryableStatusThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		ndjsonHandler(fragLine(`{"data":{"ok":true}}`))(w, r)
	}))
	defer srv.Close()

	sess := newTestSession(Options{MaxRetries: 2, RetryDelay: time.Millisecond})
	res, err := sess.Start(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	if res.Data["data"].(map[string]any)["ok"] != true {
		t.Fatalf("unexpected result: %#v", res.Data)
	}
}

func TestStartFailsAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	sess := newTestSession(Options{MaxRetries: 2, RetryDelay: time.Millisecond})
	_, err := sess.Start(context.Background(), srv.URL, nil)
	var se *transport.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected terminal 502, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", calls.Load())
	}
	snap := sess.Snapshot()
	if snap.State != StateFailed || snap.Err == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStartDoesNotRetryTerminalStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	sess := newTestSession(Options{MaxRetries: 3, RetryDelay: time.Millisecond})
	if _, err := sess.Start(context.Background(), srv.URL, nil); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt for 403, got %d", calls.Load())
	}
}

func TestAbortDuringBackoffSettlesAbortedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sess := newTestSession(Options{MaxRetries: 3, RetryDelay: time.Hour})
	done := make(chan error, 1)
	go func() {
		_, err := sess.Start(context.Background(), srv.URL, nil)
		done <- err
	}()

	waitFor(t, func() bool { return calls.Load() == 1 })
	sess.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("expected ErrAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not cut the backoff wait short")
	}
	if calls.Load() != 1 {
		t.Fatalf("scheduled retry ran anyway: %d calls", calls.Load())
	}
	if snap := sess.Snapshot(); snap.State != StateAborted {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestWallClockTimeoutSettlesFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, fragLine("partial")+"\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	sess := newTestSession(Options{Timeout: 50 * time.Millisecond, RetryDelay: time.Millisecond})
	_, err := sess.Start(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	snap := sess.Snapshot()
	if snap.State != StateFailed || !strings.Contains(snap.Err, "timeout") {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCallerCancellationSettlesAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sess := newTestSession(Options{RetryDelay: time.Millisecond})
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, err := sess.Start(ctx, srv.URL, nil); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if snap := sess.Snapshot(); snap.State != StateAborted {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSecondStartWhileStreamingIsRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	sess := newTestSession(Options{RetryDelay: time.Millisecond})
	done := make(chan error, 1)
	go func() {
		_, err := sess.Start(context.Background(), srv.URL, nil)
		done <- err
	}()
	waitFor(t, func() bool { return sess.Snapshot().IsStreaming })

	if _, err := sess.Start(context.Background(), srv.URL, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	sess.Abort()
	if err := <-done; !errors.Is(err, ErrAborted) {
		t.Fatalf("expected first start to settle aborted, got %v", err)
	}
}

func TestSettledSessionAdmitsNothing(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(fragLine(`{"data":{"a":1}}`)))
	defer srv.Close()

	sess := newTestSession(Options{RetryDelay: time.Millisecond})
	if _, err := sess.Start(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	before := sess.Snapshot().ChunkCount
	sess.admit("late fragment")
	if got := sess.Snapshot().ChunkCount; got != before {
		t.Fatalf("settled session admitted a fragment: %d -> %d", before, got)
	}
}

func TestSalvageKeepsCompleteLookingBufferOnTerminalFailure(t *testing.T) {
	pieces := []string{`{"data":`, `{"alpha":`, `1,`, `"beta":`, `2}`, `}`}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer does not support hijacking")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		// Announce more bytes than are sent, then vanish: the client sees an
		// unexpected EOF mid-body, a terminal (non-retryable) failure.
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/x-ndjson\r\nContent-Length: 65536\r\n\r\n")
		for _, p := range pieces {
			_, _ = io.WriteString(conn, fragLine(p)+"\n")
		}
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	}))
	defer srv.Close()

	sess := newTestSession(Options{MaxRetries: 1, RetryDelay: time.Millisecond})
	res, err := sess.Start(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("expected salvage to succeed, got %v", err)
	}
	data, ok := res.Data["data"].(map[string]any)
	if !ok || data["alpha"] != float64(1) || data["beta"] != float64(2) {
		t.Fatalf("unexpected salvaged result: %#v", res.Data)
	}
	if snap := sess.Snapshot(); snap.State != StateSucceeded {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRetryDiscardsPreviousAttemptBuffer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer does not support hijacking")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack failed: %v", err)
				return
			}
			_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/x-ndjson\r\nContent-Length: 65536\r\n\r\n")
			_, _ = io.WriteString(conn, fragLine("stale-fragment")+"\n")
			time.Sleep(50 * time.Millisecond)
			// RST instead of FIN so the failure classifies as retryable.
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetLinger(0)
			}
			_ = conn.Close()
			return
		}
		ndjsonHandler(fragLine(`{"data":{"fresh":true}}`))(w, r)
	}))
	defer srv.Close()

	sess := newTestSession(Options{MaxRetries: 2, RetryDelay: time.Millisecond})
	res, err := sess.Start(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.Data["data"].(map[string]any)["fresh"] != true {
		t.Fatalf("unexpected result: %#v", res.Data)
	}
	snap := sess.Snapshot()
	if strings.Contains(snap.AccumulatedText, "stale-fragment") {
		t.Fatalf("previous attempt's buffer leaked into the retry: %q", snap.AccumulatedText)
	}
}

func TestStartFailsWhenNothingReconstructable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, "not json\n{\"status\":\"noise\"}\n")
	}))
	defer srv.Close()

	sess := newTestSession(Options{RetryDelay: time.Millisecond})
	_, err := sess.Start(context.Background(), srv.URL, nil)
	if err == nil || !strings.Contains(err.Error(), "reconstruction") {
		t.Fatalf("expected reconstruction failure, got %v", err)
	}
	if snap := sess.Snapshot(); snap.State != StateFailed {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestResetReturnsSessionToIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	sess := newTestSession(Options{RetryDelay: time.Millisecond})
	if _, err := sess.Start(context.Background(), srv.URL, nil); err == nil {
		t.Fatal("expected failure")
	}
	sess.Reset()
	snap := sess.Snapshot()
	if snap.State != StateIdle || snap.Err != "" || snap.ChunkCount != 0 || snap.AccumulatedText != "" {
		t.Fatalf("expected clean idle snapshot, got %+v", snap)
	}
}

func TestStartPerformsImplicitReset(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(fragLine(`{"data":{"run":"second"}}`)))
	defer srv.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer failing.Close()

	sess := newTestSession(Options{RetryDelay: time.Millisecond})
	if _, err := sess.Start(context.Background(), failing.URL, nil); err == nil {
		t.Fatal("expected first run to fail")
	}
	res, err := sess.Start(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if res.Data["data"].(map[string]any)["run"] != "second" {
		t.Fatalf("unexpected result: %#v", res.Data)
	}
	if snap := sess.Snapshot(); snap.Err != "" || snap.State != StateSucceeded {
		t.Fatalf("first run's error survived the implicit reset: %+v", snap)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
