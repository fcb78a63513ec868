// Package bridge is the WebSocket client for the out-of-process voice
// bridge that owns the actual Discord voice connection (and any DAVE E2EE
// negotiation). The bridge speaks a small JSON-over-WebSocket protocol;
// this package is the only thing in the repo that knows its shape.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/teamhashing/voicegateway/pkg/orchestrator"
)

const (
	reconnectBase = 2 * time.Second
	reconnectMax  = 60 * time.Second
)

// AudioCallback receives decoded 48kHz stereo PCM for a user speaking in a
// guild's voice channel.
type AudioCallback func(userID string, pcm []byte, guildID string)

// SpeakingCallback fires on a bridge-reported speech onset, carrying the
// RMS level the bridge measured. Used to detect barge-in while the bot is
// mid-playback (§4.4).
type SpeakingCallback func(userID string, rms float64)

// ReconnectCallback fires after the bridge socket reconnects, so the guild's
// Session Controller can re-issue join + cached voice credentials.
type ReconnectCallback func()

// Client manages one WebSocket connection to the bridge and multiplexes
// per-guild state over it. A single Client is shared across every guild the
// gateway is active in.
type Client struct {
	url    string
	logger orchestrator.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	connectedMu sync.Mutex
	connected   chan struct{} // closed while connected; replaced on disconnect

	mu                 sync.Mutex
	audioCallbacks     map[string]AudioCallback
	speakingCallbacks  map[string]SpeakingCallback
	reconnectCallbacks map[string]ReconnectCallback
	readyWaiters       map[string]chan error
	playDoneWaiters    map[string]chan error
	disconnectEvents   map[string]chan struct{}
	daveStatus         map[string]bool

	reconnectAttempts int

	closeOnce sync.Once
	done      chan struct{}
}

func New(url string, logger orchestrator.Logger) *Client {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	c := &Client{
		url:                url,
		logger:             logger,
		audioCallbacks:     make(map[string]AudioCallback),
		speakingCallbacks:  make(map[string]SpeakingCallback),
		reconnectCallbacks: make(map[string]ReconnectCallback),
		readyWaiters:       make(map[string]chan error),
		playDoneWaiters:    make(map[string]chan error),
		disconnectEvents:   make(map[string]chan struct{}),
		daveStatus:         make(map[string]bool),
		done:               make(chan struct{}),
	}
	c.connected = make(chan struct{})
	return c
}

// Start begins the connect/reconnect loop in the background. It returns
// immediately; use WaitConnected to block until the first connection lands.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop tears down the connection loop and closes the socket.
func (c *Client) Stop() {
	c.closeOnce.Do(func() { close(c.done) })
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "shutting down")
		c.conn = nil
	}
}

func (c *Client) run(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.logger.Info("connecting to voice bridge", "url", c.url)
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			c.scheduleReconnect(ctx)
			continue
		}

		wasReconnect := c.reconnectAttempts > 0

		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		c.markConnected()
		c.reconnectAttempts = 0
		c.logger.Info("connected to voice bridge")

		if wasReconnect {
			c.notifyReconnect()
		}

		c.readLoop(ctx, conn)

		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		c.markDisconnected()

		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		c.scheduleReconnect(ctx)
	}
}

func (c *Client) scheduleReconnect(ctx context.Context) {
	delay := reconnectMax
	if c.reconnectAttempts < 6 {
		delay = reconnectBase * (1 << c.reconnectAttempts)
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
	c.reconnectAttempts++
	c.logger.Warn("voice bridge connection lost, reconnecting", "delay", delay, "attempt", c.reconnectAttempts)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	case <-c.done:
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("invalid JSON from bridge", "error", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg inboundMessage) {
	switch msg.Op {
	case "ready":
		c.mu.Lock()
		c.daveStatus[msg.GuildID] = msg.DAVE
		waiter := c.readyWaiters[msg.GuildID]
		c.mu.Unlock()
		closeWaiter(waiter)
		c.logger.Info("voice bridge ready", "guild", msg.GuildID, "dave", msg.DAVE)

	case "audio":
		c.mu.Lock()
		cb := c.audioCallbacks[msg.GuildID]
		c.mu.Unlock()
		if cb == nil || msg.PCM == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.PCM)
		if err != nil {
			c.logger.Warn("bad base64 audio from bridge", "error", err)
			return
		}
		cb(msg.UserID, pcm, msg.GuildID)

	case "play_done":
		c.mu.Lock()
		waiter := c.playDoneWaiters[msg.GuildID]
		c.mu.Unlock()
		closeWaiter(waiter)

	case "disconnected":
		c.logger.Warn("bridge reports voice disconnected", "guild", msg.GuildID)
		c.mu.Lock()
		waiter := c.disconnectEvents[msg.GuildID]
		c.mu.Unlock()
		closeWaiter(waiter)

	case "speaking_start":
		c.mu.Lock()
		cb := c.speakingCallbacks[msg.GuildID]
		c.mu.Unlock()
		if cb != nil {
			cb(msg.UserID, msg.RMS)
		}

	case "error":
		c.logger.Error("bridge error", "guild", msg.GuildID, "message", msg.Message)
	}
}

func closeWaiter(ch chan error) {
	signalWaiter(ch, nil)
}

func signalWaiter(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (c *Client) markConnected() {
	c.connectedMu.Lock()
	defer c.connectedMu.Unlock()
	select {
	case <-c.connected:
		// already closed/connected; shouldn't happen but stay idempotent
		c.connected = make(chan struct{})
	default:
	}
	close(c.connected)
}

func (c *Client) markDisconnected() {
	c.connectedMu.Lock()
	select {
	case <-c.connected:
		c.connected = make(chan struct{})
	default:
	}
	c.connectedMu.Unlock()

	// Fail in-flight ready/play_done waiters immediately rather than letting
	// callers time out; they can fall through to their normal error paths.
	c.mu.Lock()
	for _, w := range c.readyWaiters {
		signalWaiter(w, orchestrator.ErrBridgeDisconnected)
	}
	for _, w := range c.playDoneWaiters {
		signalWaiter(w, orchestrator.ErrBridgeDisconnected)
	}
	c.mu.Unlock()
}

// RegisterSpeakingCallback routes incoming "speaking_start" frames for a
// guild to cb.
func (c *Client) RegisterSpeakingCallback(guildID string, cb SpeakingCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speakingCallbacks[guildID] = cb
}

// RegisterReconnectCallback registers cb to be invoked once per guild after
// every successful reconnect (not on the initial connect).
func (c *Client) RegisterReconnectCallback(guildID string, cb ReconnectCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectCallbacks[guildID] = cb
}

func (c *Client) notifyReconnect() {
	c.mu.Lock()
	callbacks := make([]ReconnectCallback, 0, len(c.reconnectCallbacks))
	for _, cb := range c.reconnectCallbacks {
		callbacks = append(callbacks, cb)
	}
	c.mu.Unlock()
	for _, cb := range callbacks {
		go cb()
	}
}

// WaitConnected blocks until the bridge socket is connected or ctx expires.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.connectedMu.Lock()
	ch := c.connected
	c.connectedMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the bridge socket is currently connected.
func (c *Client) IsConnected() bool {
	c.connectedMu.Lock()
	ch := c.connected
	c.connectedMu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// send writes v to the socket. A nil conn means no socket is open (never
// connected, stopped, or between reconnects); that case returns the
// distinct, non-fatal ErrNotConnected. In-flight ready/play_done waiters
// learn about a lost socket separately, via ErrBridgeDisconnected from
// markDisconnected.
func (c *Client) send(ctx context.Context, v interface{}) error {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return orchestrator.ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return orchestrator.ErrNotConnected
	}
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// RegisterAudioCallback routes incoming "audio" frames for a guild to cb.
func (c *Client) RegisterAudioCallback(guildID string, cb AudioCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioCallbacks[guildID] = cb
}

// UnregisterAudioCallback stops routing audio for a guild.
func (c *Client) UnregisterAudioCallback(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.audioCallbacks, guildID)
}

// Join asks the bridge to join a voice channel. It does not wait for
// readiness: callers must forward the Discord voice_state_update/
// voice_server_update payloads first, then call WaitReady.
func (c *Client) Join(ctx context.Context, guildID, channelID, userID, sessionID string) error {
	c.mu.Lock()
	c.readyWaiters[guildID] = make(chan error, 1)
	c.mu.Unlock()

	return c.send(ctx, joinMessage{
		Op:        "join",
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
		SessionID: sessionID,
	})
}

// WaitReady blocks until the bridge signals op=ready for guildID or the
// timeout elapses.
func (c *Client) WaitReady(guildID string, timeout time.Duration) bool {
	c.mu.Lock()
	waiter := c.readyWaiters[guildID]
	c.mu.Unlock()
	if waiter == nil {
		return false
	}
	defer func() {
		c.mu.Lock()
		delete(c.readyWaiters, guildID)
		c.mu.Unlock()
	}()

	select {
	case err := <-waiter:
		return err == nil
	case <-time.After(timeout):
		c.logger.Warn("timed out waiting for bridge ready", "guild", guildID)
		return false
	}
}

// SendVoiceStateUpdate forwards a Discord VOICE_STATE_UPDATE payload.
func (c *Client) SendVoiceStateUpdate(ctx context.Context, data interface{}) error {
	return c.send(ctx, voiceStateUpdateMessage{Op: "voice_state_update", D: data})
}

// SendVoiceServerUpdate forwards a Discord VOICE_SERVER_UPDATE payload.
func (c *Client) SendVoiceServerUpdate(ctx context.Context, data interface{}) error {
	return c.send(ctx, voiceStateUpdateMessage{Op: "voice_server_update", D: data})
}

// Play sends WAV-framed audio to be played in the guild's voice channel and
// blocks until the bridge reports play_done or timeout elapses. Concurrent
// plays for the same guild must be serialized by the caller.
func (c *Client) Play(ctx context.Context, guildID string, audio []byte, timeout time.Duration) error {
	return c.play(ctx, guildID, audio, false, timeout)
}

// PlayLoop sends WAV-framed audio with the loop flag set (used for the
// thinking sound) and does not wait for play_done, since a looping clip
// only stops when explicitly told to. Bridges that ignore loop simply play
// it once; the caller tolerates that per spec.md Design Notes item 4.
func (c *Client) PlayLoop(ctx context.Context, guildID string, audio []byte) error {
	return c.send(ctx, playMessage{
		Op:      "play",
		GuildID: guildID,
		Audio:   base64.StdEncoding.EncodeToString(audio),
		Format:  "wav",
		Loop:    true,
	})
}

func (c *Client) play(ctx context.Context, guildID string, audio []byte, loop bool, timeout time.Duration) error {
	c.mu.Lock()
	c.playDoneWaiters[guildID] = make(chan error, 1)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.playDoneWaiters, guildID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, playMessage{
		Op:      "play",
		GuildID: guildID,
		Audio:   base64.StdEncoding.EncodeToString(audio),
		Format:  "wav",
		Loop:    loop,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	waiter := c.playDoneWaiters[guildID]
	c.mu.Unlock()

	select {
	case err := <-waiter:
		if err != nil {
			return err
		}
		return nil
	case <-time.After(timeout):
		c.logger.Warn("playback timed out", "guild", guildID)
		return orchestrator.ErrPlayTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopPlaying tells the bridge to stop any in-progress playback. fade asks
// for a fade-out rather than an instant cut, used on barge-in.
func (c *Client) StopPlaying(ctx context.Context, guildID string, fade bool) error {
	return c.send(ctx, stopMessage{Op: "stop", GuildID: guildID, Fade: fade})
}

// Disconnect tells the bridge to leave voice in a guild and drops all local
// per-guild state for it.
func (c *Client) Disconnect(ctx context.Context, guildID string) error {
	c.mu.Lock()
	delete(c.audioCallbacks, guildID)
	delete(c.readyWaiters, guildID)
	delete(c.playDoneWaiters, guildID)
	delete(c.disconnectEvents, guildID)
	delete(c.daveStatus, guildID)
	c.mu.Unlock()

	err := c.send(ctx, disconnectMessage{Op: "disconnect", GuildID: guildID})
	if err == orchestrator.ErrBridgeDisconnected || err == orchestrator.ErrNotConnected {
		return nil
	}
	return err
}

// IsDAVEActive reports whether DAVE E2EE is active for the guild, per the
// last "ready" frame received.
func (c *Client) IsDAVEActive(guildID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.daveStatus[guildID]
}

// ReconnectAttempts is the number of consecutive failed reconnects (0 when
// currently connected).
func (c *Client) ReconnectAttempts() int {
	return c.reconnectAttempts
}

