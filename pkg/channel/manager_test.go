package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/teamhashing/voicegateway/pkg/bridge"
	"github.com/teamhashing/voicegateway/pkg/orchestrator"
	"github.com/teamhashing/voicegateway/pkg/session"
)

type fakeSTT struct{}

func (fakeSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	return "", nil
}
func (fakeSTT) Name() string { return "fake-stt" }

type fakeStreamLLM struct{}

func (fakeStreamLLM) Stream(ctx context.Context, sessionID, text, senderName, senderID, agentID string, onDelta func(string) error) error {
	return nil
}
func (fakeStreamLLM) Reset(ctx context.Context, sessionID string) error   { return nil }
func (fakeStreamLLM) Compact(ctx context.Context, sessionID string) error { return nil }
func (fakeStreamLLM) Name() string                                       { return "fake-stream-llm" }

type fakeTTS struct{}

func (fakeTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	return nil, nil
}
func (fakeTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	return nil
}
func (fakeTTS) Abort() error { return nil }
func (fakeTTS) Name() string { return "fake-tts" }

type fakeAuth struct {
	authorized map[orchestrator.UserKey]bool
}

func (a *fakeAuth) IsAuthorized(guild orchestrator.GuildKey, user orchestrator.UserKey) bool {
	return a.authorized[user]
}
func (a *fakeAuth) AuthorizedCount(guild orchestrator.GuildKey) int {
	n := 0
	for _, ok := range a.authorized {
		if ok {
			n++
		}
	}
	return n
}

type fakeMembers struct {
	mu   sync.Mutex
	view map[orchestrator.ChannelKey]Membership
}

func (m *fakeMembers) Membership(guild orchestrator.GuildKey, channel orchestrator.ChannelKey) Membership {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view[channel]
}

func (m *fakeMembers) set(channel orchestrator.ChannelKey, v Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.view == nil {
		m.view = make(map[orchestrator.ChannelKey]Membership)
	}
	m.view[channel] = v
}

type fakeJoinBuilder struct{}

func (fakeJoinBuilder) Build(ctx context.Context, guild orchestrator.GuildKey, channel orchestrator.ChannelKey) (session.JoinRequest, error) {
	return session.JoinRequest{ChannelID: string(channel), BotUserID: "bot1", VoiceSessionID: "vs1"}, nil
}

func newEchoBridgeServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		ctx := context.Background()
		for {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			if msg["op"] == "join" {
				reply, _ := json.Marshal(map[string]interface{}{"op": "ready", "guild_id": msg["guild_id"]})
				conn.Write(ctx, websocket.MessageText, reply)
			}
		}
	}))
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return server, url
}

func newTestManager(t *testing.T, br *bridge.Client, auth *fakeAuth, members *fakeMembers, cfg Config) *Manager {
	t.Helper()
	factory := func(guild orchestrator.GuildKey) *session.Controller {
		return session.New(string(guild), br, session.Providers{
			STT:       fakeSTT{},
			StreamLLM: fakeStreamLLM{},
			TTS:       fakeTTS{},
		}, nil, session.Config{
			WaitReadyTimeout: 2 * time.Second,
			PlayTimeout:      2 * time.Second,
			ShutdownGrace:    100 * time.Millisecond,
			Language:         orchestrator.LanguageEn,
		}, nil)
	}
	return New(cfg, auth, members, fakeJoinBuilder{}, factory, nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAutoJoinOnAuthorizedUser(t *testing.T) {
	server, url := newEchoBridgeServer(t)
	defer server.Close()

	br := bridge.New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()
	if err := br.WaitConnected(ctx); err != nil {
		t.Fatalf("bridge did not connect: %v", err)
	}

	auth := &fakeAuth{authorized: map[orchestrator.UserKey]bool{"u1": true}}
	members := &fakeMembers{}
	mgr := newTestManager(t, br, auth, members, Config{AutoJoin: true})

	mgr.HandleVoiceStateChange(ctx, VoiceStateEvent{Guild: "g1", User: "u1", After: "c1"})

	waitFor(t, 2*time.Second, func() bool { return mgr.ActiveGuildCount() == 1 })
}

func TestAutoJoinSkipsUnauthorizedUser(t *testing.T) {
	server, url := newEchoBridgeServer(t)
	defer server.Close()

	br := bridge.New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()
	br.WaitConnected(ctx)

	auth := &fakeAuth{authorized: map[orchestrator.UserKey]bool{}}
	mgr := newTestManager(t, br, auth, &fakeMembers{}, Config{AutoJoin: true})

	mgr.HandleVoiceStateChange(ctx, VoiceStateEvent{Guild: "g1", User: "u1", After: "c1"})

	time.Sleep(200 * time.Millisecond)
	if mgr.ActiveGuildCount() != 0 {
		t.Fatal("expected no auto-join for an unauthorized user")
	}
}

func TestAutoJoinSkipsChannelOutsideAllowlist(t *testing.T) {
	server, url := newEchoBridgeServer(t)
	defer server.Close()

	br := bridge.New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()
	br.WaitConnected(ctx)

	auth := &fakeAuth{authorized: map[orchestrator.UserKey]bool{"u1": true}}
	mgr := newTestManager(t, br, auth, &fakeMembers{}, Config{
		AutoJoin:        true,
		GlobalAllowlist: map[orchestrator.ChannelKey]struct{}{"allowed-only": {}},
	})

	mgr.HandleVoiceStateChange(ctx, VoiceStateEvent{Guild: "g1", User: "u1", After: "c1"})

	time.Sleep(200 * time.Millisecond)
	if mgr.ActiveGuildCount() != 0 {
		t.Fatal("expected no auto-join for a channel outside the allowlist")
	}
}

func TestLeaveWhenNoHumansRemain(t *testing.T) {
	server, url := newEchoBridgeServer(t)
	defer server.Close()

	br := bridge.New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()
	br.WaitConnected(ctx)

	auth := &fakeAuth{authorized: map[orchestrator.UserKey]bool{"u1": true}}
	members := &fakeMembers{}
	mgr := newTestManager(t, br, auth, members, Config{AutoJoin: true})

	mgr.HandleVoiceStateChange(ctx, VoiceStateEvent{Guild: "g1", User: "u1", After: "c1"})
	waitFor(t, 2*time.Second, func() bool { return mgr.ActiveGuildCount() == 1 })

	members.set("c1", Membership{HumanCount: 0, AuthorizedCount: 0})
	mgr.HandleVoiceStateChange(ctx, VoiceStateEvent{Guild: "g1", User: "u1", Before: "c1"})

	waitFor(t, 2*time.Second, func() bool { return mgr.ActiveGuildCount() == 0 })
}

func TestNoAuthInactivityTimerLeavesAfterTimeout(t *testing.T) {
	server, url := newEchoBridgeServer(t)
	defer server.Close()

	br := bridge.New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()
	br.WaitConnected(ctx)

	auth := &fakeAuth{authorized: map[orchestrator.UserKey]bool{"u1": true}}
	members := &fakeMembers{}
	mgr := newTestManager(t, br, auth, members, Config{
		AutoJoin:         true,
		NoAuthInactivity: 100 * time.Millisecond,
	})

	mgr.HandleVoiceStateChange(ctx, VoiceStateEvent{Guild: "g1", User: "u1", After: "c1"})
	waitFor(t, 2*time.Second, func() bool { return mgr.ActiveGuildCount() == 1 })

	// A human is still present (HumanCount 1) but no longer authorized.
	members.set("c1", Membership{HumanCount: 1, AuthorizedCount: 0})
	mgr.HandleVoiceStateChange(ctx, VoiceStateEvent{Guild: "g1", User: "u1", Before: "c1"})

	waitFor(t, 2*time.Second, func() bool { return mgr.ActiveGuildCount() == 0 })
}
