package handoff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const analyticsOrigin = "https://analytics.example.com"

func testID(i int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", i)
}

func newTestChannel(t *testing.T, timeout time.Duration) *Channel {
	t.Helper()
	signer, err := NewSigner("test-secret", nil)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	channel, err := NewChannel(Options{AllowedOrigin: analyticsOrigin, Timeout: timeout, Signer: signer})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	return channel
}

type recorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recorder) apply(ids []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids)
	return true
}

func (r *recorder) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func TestSignerRejectsTamperedAndExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	signer, err := NewSigner("test-secret", func() time.Time { return now })
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	windowID, err := signer.Issue(time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := signer.Verify(windowID); err != nil {
		t.Fatalf("expected fresh window id to verify: %v", err)
	}
	if err := signer.Verify(windowID + "x"); !errors.Is(err, ErrInvalidWindowID) {
		t.Fatalf("expected tampered id rejected, got %v", err)
	}

	other, _ := NewSigner("other-secret", func() time.Time { return now })
	if err := other.Verify(windowID); !errors.Is(err, ErrInvalidWindowID) {
		t.Fatalf("expected foreign signature rejected, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := signer.Verify(windowID); !errors.Is(err, ErrInvalidWindowID) {
		t.Fatalf("expected expired id rejected, got %v", err)
	}
}

func TestDeliverValidatesAndAppliesOnce(t *testing.T) {
	channel := newTestChannel(t, time.Second)
	windowID, _ := channel.Issue()
	rec := &recorder{}
	hs, err := channel.Begin(windowID, rec.apply)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	valid := Message{Type: TypeSetBotUUIDs, WindowID: windowID, UUIDs: []string{testID(1), "junk", testID(2)}}
	if _, err := hs.Deliver("https://evil.example.com", valid); !errors.Is(err, ErrOrigin) {
		t.Fatalf("expected foreign origin rejected, got %v", err)
	}
	if _, err := hs.Deliver(analyticsOrigin, Message{Type: "hello", WindowID: windowID}); !errors.Is(err, ErrMessageType) {
		t.Fatalf("expected wrong type rejected, got %v", err)
	}
	if _, err := hs.Deliver(analyticsOrigin, Message{Type: TypeSetBotUUIDs, WindowID: "other", UUIDs: valid.UUIDs}); !errors.Is(err, ErrWindowMismatch) {
		t.Fatalf("expected other window rejected, got %v", err)
	}
	if _, err := hs.Deliver(analyticsOrigin, Message{Type: TypeSetBotUUIDs, WindowID: windowID, UUIDs: []string{"junk"}}); !errors.Is(err, ErrNoValidIDs) {
		t.Fatalf("expected message without ids rejected, got %v", err)
	}
	if len(rec.Calls()) != 0 {
		t.Fatal("rejected messages must not apply")
	}

	applied, err := hs.Deliver(analyticsOrigin+"/", valid)
	if err != nil || !applied {
		t.Fatalf("deliver = %v, %v", applied, err)
	}
	applied, err = hs.Deliver(analyticsOrigin, valid)
	if err != nil || applied {
		t.Fatalf("expected duplicate delivery to be a no-op, got %v, %v", applied, err)
	}

	calls := rec.Calls()
	if len(calls) != 1 || len(calls[0]) != 2 || calls[0][1] != testID(2) {
		t.Fatalf("unexpected applied ids: %v", calls)
	}
	select {
	case <-hs.Done():
	default:
		t.Fatal("expected handshake done after apply")
	}
	if _, ok := channel.Lookup(windowID); ok {
		t.Fatal("expected applied handshake removed from channel")
	}
}

func TestWindowIDIsSingleUse(t *testing.T) {
	channel := newTestChannel(t, time.Second)
	windowID, _ := channel.Issue()
	hs, err := channel.Begin(windowID, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer hs.Close()

	if _, err := channel.Begin(windowID, nil); !errors.Is(err, ErrWindowInUse) {
		t.Fatalf("expected reused window id rejected, got %v", err)
	}
	if _, err := channel.Begin("guessed.id", nil); !errors.Is(err, ErrInvalidWindowID) {
		t.Fatalf("expected unsigned window id rejected, got %v", err)
	}
}

func TestHandshakeExpires(t *testing.T) {
	channel := newTestChannel(t, 20*time.Millisecond)
	windowID, _ := channel.Issue()
	rec := &recorder{}
	hs, err := channel.Begin(windowID, rec.apply)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	select {
	case <-hs.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handshake to expire")
	}
	_, err = hs.Deliver(analyticsOrigin, Message{Type: TypeSetBotUUIDs, WindowID: windowID, UUIDs: []string{testID(1)}})
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if len(rec.Calls()) != 0 || channel.Live() != 0 {
		t.Fatal("expected nothing applied after expiry")
	}
}

func TestDeliverTruncatesToPinnedLimit(t *testing.T) {
	channel := newTestChannel(t, time.Second)
	windowID, _ := channel.Issue()
	rec := &recorder{}
	hs, _ := channel.Begin(windowID, rec.apply)

	ids := make([]string, 0, 35)
	for i := 0; i < 35; i++ {
		ids = append(ids, testID(i))
	}
	if _, err := hs.Deliver(analyticsOrigin, Message{Type: TypeSetBotUUIDs, WindowID: windowID, UUIDs: ids}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := rec.Calls()[0]; len(got) != 30 || got[0] != testID(0) {
		t.Fatalf("expected first 30 ids, got %d", len(got))
	}
}

func TestServeOverWebsocket(t *testing.T) {
	channel := newTestChannel(t, 2*time.Second)
	windowID, _ := channel.Issue()
	rec := &recorder{}
	hs, _ := channel.Begin(windowID, rec.apply)

	served := make(chan error, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			served <- err
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		served <- Serve(r.Context(), conn, r.Header.Get("Origin"), hs)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):], &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{analyticsOrigin}},
	})
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	var ready Message
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != TypeReady || ready.WindowID != windowID {
		t.Fatalf("unexpected ready message: %+v", ready)
	}

	if err := wsjson.Write(ctx, conn, Message{Type: TypeSetBotUUIDs, WindowID: windowID, UUIDs: []string{testID(7)}}); err != nil {
		t.Fatalf("write ids: %v", err)
	}
	var reply Message
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != TypeApplied || len(reply.UUIDs) != 1 || reply.UUIDs[0] != testID(7) {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if len(rec.Calls()) != 1 {
		t.Fatalf("expected one apply, got %d", len(rec.Calls()))
	}
}
