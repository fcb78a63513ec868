package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/teamhashing/voicegateway/pkg/orchestrator"
)

func newTestServer(t *testing.T, handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		handler(conn)
	}))
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return server, url
}

func TestClientWaitConnected(t *testing.T) {
	server, url := newTestServer(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	c := New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := c.WaitConnected(wctx); err != nil {
		t.Fatalf("expected connection, got %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("expected IsConnected true")
	}
}

func TestClientSendOnClosedSocketReturnsNotConnected(t *testing.T) {
	c := New("ws://127.0.0.1:0/ws", nil)

	err := c.StopPlaying(context.Background(), "guild1", false)
	if err != orchestrator.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected on a never-connected client, got %v", err)
	}
}

func TestClientDisconnectOnClosedSocketIsNotAnError(t *testing.T) {
	c := New("ws://127.0.0.1:0/ws", nil)

	if err := c.Disconnect(context.Background(), "guild1"); err != nil {
		t.Fatalf("expected Disconnect on a never-connected client to be a no-op, got %v", err)
	}
}

func TestClientJoinAndReady(t *testing.T) {
	server, url := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		if msg["op"] != "join" {
			return
		}
		reply, _ := json.Marshal(map[string]interface{}{
			"op":       "ready",
			"guild_id": msg["guild_id"],
			"dave":     true,
		})
		conn.Write(ctx, websocket.MessageText, reply)
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	c := New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := c.WaitConnected(wctx); err != nil {
		t.Fatalf("expected connection: %v", err)
	}

	if err := c.Join(context.Background(), "g1", "c1", "u1", "s1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if !c.WaitReady("g1", 2*time.Second) {
		t.Fatal("expected ready")
	}
	if !c.IsDAVEActive("g1") {
		t.Error("expected DAVE active")
	}
}

func TestClientAudioCallback(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	server, url := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		reply, _ := json.Marshal(map[string]interface{}{
			"op":       "audio",
			"guild_id": "g1",
			"user_id":  "u1",
			"pcm":      base64.StdEncoding.EncodeToString(pcm),
		})
		conn.Write(ctx, websocket.MessageText, reply)
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	c := New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	c.RegisterAudioCallback("g1", func(userID string, audio []byte, guildID string) {
		received <- audio
	})

	c.Start(ctx)
	defer c.Stop()

	select {
	case got := <-received:
		if string(got) != string(pcm) {
			t.Errorf("expected %v got %v", pcm, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio callback")
	}
}

func TestClientWaitReadyTimeout(t *testing.T) {
	server, url := newTestServer(t, func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	c := New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	c.WaitConnected(wctx)

	c.mu.Lock()
	c.readyWaiters["g1"] = make(chan error, 1)
	c.mu.Unlock()

	if c.WaitReady("g1", 50*time.Millisecond) {
		t.Fatal("expected WaitReady to time out")
	}
}
