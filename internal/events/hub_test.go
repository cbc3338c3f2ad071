package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
)

func mockClient(hub *Hub, sessionID string) *Client {
	return &Client{hub: hub, sessionID: sessionID, send: make(chan []byte, sendBufferSize)}
}

func TestHubFiltersBySession(t *testing.T) {
	hub := NewHub(nil)
	s1 := mockClient(hub, "s1")
	s2 := mockClient(hub, "s2")
	all := mockClient(hub, "")
	for _, c := range []*Client{s1, s2, all} {
		hub.Register(c)
	}

	if err := hub.Emit(context.Background(), New(SessionStarted, "s1", time.Now())); err != nil {
		t.Fatalf("emit: %v", err)
	}

	for _, c := range []*Client{s1, all} {
		select {
		case data := <-c.send:
			var got Event
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != SessionStarted || got.SessionID != "s1" {
				t.Errorf("unexpected event %+v", got)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}
	select {
	case <-s2.send:
		t.Fatal("client for s2 received an s1 event")
	default:
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(nil)
	c := mockClient(hub, "")
	hub.Register(c)

	for i := 0; i < sendBufferSize+5; i++ {
		if err := hub.Emit(context.Background(), New(AttemptFinalized, "s1", time.Now())); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if got := len(c.send); got != sendBufferSize {
		t.Errorf("expected %d buffered, got %d", sendBufferSize, got)
	}
	hub.Unregister(c)
	hub.Unregister(c)
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestHubServe(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("session"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session=s1"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	e := New(FraudAlertRaised, "s1", time.Now())
	e.Severity = "HIGH"
	if err := hub.Emit(ctx, e); err != nil {
		t.Fatalf("emit: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != e.ID || got.Severity != "HIGH" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestHubServeChecksOrigin(t *testing.T) {
	hub := NewHub(nil, "dash.example.edu")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "s1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	dial := func(origin string) error {
		h := http.Header{}
		h.Set("Origin", origin)
		conn, _, err := ws.Dial(ctx, url, &ws.DialOptions{HTTPHeader: h})
		if err == nil {
			conn.CloseNow()
		}
		return err
	}
	if err := dial("https://evil.example.com"); err == nil {
		t.Fatal("expected foreign origin to be refused")
	}
	if err := dial("https://dash.example.edu"); err != nil {
		t.Fatalf("allowed origin refused: %v", err)
	}
}
