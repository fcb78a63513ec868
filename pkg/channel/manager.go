// Package channel implements the cross-guild auto-join/follow/leave
// coordinator described in spec.md §4.6. It owns no audio or bridge state
// itself — that lives in pkg/session.Controller — it only decides *when* a
// guild's Controller should start, move, or stop, and serializes those
// decisions per guild.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/teamhashing/voicegateway/pkg/orchestrator"
	"github.com/teamhashing/voicegateway/pkg/session"
)

// DefaultInactivityTimeout is the general inactivity timeout: voice-state
// activity resets it, and the Manager leaves the guild once it expires.
const DefaultInactivityTimeout = 300 * time.Second

// NoAuthInactivityTimeout is the short grace period used when the auth
// store has entries but none of them are currently present.
const NoAuthInactivityTimeout = 30 * time.Second

// VoiceStateEvent is the platform-layer notification the Manager reacts
// to: a member's voice channel membership changed from Before to After
// (either may be empty, meaning "not in any voice channel").
type VoiceStateEvent struct {
	Guild  orchestrator.GuildKey
	User   orchestrator.UserKey
	Before orchestrator.ChannelKey
	After  orchestrator.ChannelKey
}

// Membership is the snapshot the Manager needs about a channel at
// decision time; the platform layer computes it from its own member
// cache so the Manager never has to know about guild/member objects.
type Membership struct {
	HumanCount      int
	AuthorizedCount int
}

// MembershipView answers "who's in this channel right now" for the
// channel a voice-state event just changed. An external collaborator
// (the Discord gateway member cache) backs it; the Manager does not cache
// membership itself, since it can go stale between events.
type MembershipView interface {
	Membership(guild orchestrator.GuildKey, channel orchestrator.ChannelKey) Membership
}

// JoinRequestBuilder produces the session.JoinRequest for a guild/channel
// pair, filling in the bot's own user id, a fresh voice session id, and
// captured voice credentials. It is an external collaborator because
// acquiring voice credentials means round-tripping the platform gateway.
type JoinRequestBuilder interface {
	Build(ctx context.Context, guild orchestrator.GuildKey, channel orchestrator.ChannelKey) (session.JoinRequest, error)
}

// ControllerFactory constructs a fresh, unstarted Controller for a guild.
// A new Controller is built per join rather than reused across
// leave/rejoin cycles, matching the teacher's session-per-join lifecycle.
type ControllerFactory func(guild orchestrator.GuildKey) *session.Controller

// Config holds the Manager's auto-join and timing policy (spec.md §4.6).
type Config struct {
	AutoJoin          bool
	GlobalAllowlist   map[orchestrator.ChannelKey]struct{} // empty = all channels allowed
	DefaultInactivity time.Duration
	NoAuthInactivity  time.Duration
}

type guildState struct {
	mu         sync.Mutex
	controller *session.Controller
	channel    orchestrator.ChannelKey
	timer      *time.Timer
}

// Manager is the single cross-guild auto-join/follow/leave coordinator.
// It is safe for concurrent use by multiple platform-event goroutines.
type Manager struct {
	cfg       Config
	auth      orchestrator.AuthStore
	members   MembershipView
	joinReq   JoinRequestBuilder
	newCtrl   ControllerFactory
	logger    orchestrator.Logger

	mu     sync.Mutex
	guilds map[orchestrator.GuildKey]*guildState
}

// New constructs a Manager. auth decides who is authorized to trigger
// auto-join/follow; members answers channel headcount queries; joinReq
// assembles the platform-specific join payload; newCtrl builds a fresh
// per-guild session.Controller on demand.
func New(cfg Config, auth orchestrator.AuthStore, members MembershipView, joinReq JoinRequestBuilder, newCtrl ControllerFactory, logger orchestrator.Logger) *Manager {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	if cfg.DefaultInactivity <= 0 {
		cfg.DefaultInactivity = DefaultInactivityTimeout
	}
	if cfg.NoAuthInactivity <= 0 {
		cfg.NoAuthInactivity = NoAuthInactivityTimeout
	}
	return &Manager{
		cfg:     cfg,
		auth:    auth,
		members: members,
		joinReq: joinReq,
		newCtrl: newCtrl,
		logger:  logger,
		guilds:  make(map[orchestrator.GuildKey]*guildState),
	}
}

// allowed reports whether channel is eligible for auto-join/follow. An
// empty global allowlist means every channel is allowed.
func (m *Manager) allowed(channel orchestrator.ChannelKey) bool {
	if len(m.cfg.GlobalAllowlist) == 0 {
		return true
	}
	_, ok := m.cfg.GlobalAllowlist[channel]
	return ok
}

func (m *Manager) state(guild orchestrator.GuildKey) *guildState {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs, ok := m.guilds[guild]
	if !ok {
		gs = &guildState{}
		m.guilds[guild] = gs
	}
	return gs
}

// HandleVoiceStateChange implements spec.md §4.6's auto-join, follow, and
// leave rules. It is the Manager's sole entry point; callers forward every
// raw voice-state-update from the platform gateway here unfiltered.
func (m *Manager) HandleVoiceStateChange(ctx context.Context, ev VoiceStateEvent) {
	if ev.After != "" && ev.Before != ev.After {
		m.handleJoinedChannel(ctx, ev.Guild, ev.User, ev.After)
	}
	if ev.Before != "" && ev.Before != ev.After {
		m.handleLeftChannel(ctx, ev.Guild, ev.Before)
	}
}

func (m *Manager) handleJoinedChannel(ctx context.Context, guild orchestrator.GuildKey, user orchestrator.UserKey, channel orchestrator.ChannelKey) {
	authorized := m.auth == nil || m.auth.IsAuthorized(guild, user)

	gs := m.state(guild)
	gs.mu.Lock()
	current := gs.controller
	currentChannel := gs.channel
	gs.mu.Unlock()

	if current != nil && current.IsActive() {
		if currentChannel != channel {
			if authorized && m.allowed(channel) {
				m.logger.Info("following authorized user to new channel", "guild", guild, "channel", channel, "user", user)
				if err := current.MoveTo(ctx, string(channel)); err != nil {
					m.logger.Warn("follow move failed", "guild", guild, "error", err)
					return
				}
				gs.mu.Lock()
				gs.channel = channel
				gs.mu.Unlock()
			}
		}
		m.resetInactivity(gs, guild, m.cfg.DefaultInactivity)
		return
	}

	if !m.cfg.AutoJoin || !authorized || !m.allowed(channel) {
		return
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.controller != nil && gs.controller.IsActive() {
		return // lost the race to another event
	}

	m.cancelTimerLocked(gs)

	req, err := m.buildJoinRequest(ctx, guild, channel)
	if err != nil {
		m.logger.Warn("auto-join: building join request failed", "guild", guild, "error", err)
		return
	}

	ctrl := m.newCtrl(guild)
	if err := ctrl.Start(ctx, req); err != nil {
		m.logger.Warn("auto-join failed", "guild", guild, "channel", channel, "error", err)
		return
	}

	m.logger.Info("auto-joined voice channel", "guild", guild, "channel", channel, "user", user)
	gs.controller = ctrl
	gs.channel = channel
	m.scheduleInactivityLocked(gs, guild, m.cfg.DefaultInactivity)
}

func (m *Manager) buildJoinRequest(ctx context.Context, guild orchestrator.GuildKey, channel orchestrator.ChannelKey) (session.JoinRequest, error) {
	if m.joinReq != nil {
		return m.joinReq.Build(ctx, guild, channel)
	}
	return session.JoinRequest{ChannelID: string(channel)}, nil
}

func (m *Manager) handleLeftChannel(ctx context.Context, guild orchestrator.GuildKey, channel orchestrator.ChannelKey) {
	gs := m.state(guild)
	gs.mu.Lock()
	ctrl := gs.controller
	trackedChannel := gs.channel
	gs.mu.Unlock()

	if ctrl == nil || !ctrl.IsActive() {
		m.cleanupOrphan(ctx, guild, channel)
		return
	}
	if trackedChannel != channel {
		return
	}

	mv := Membership{}
	if m.members != nil {
		mv = m.members.Membership(guild, channel)
	}

	if mv.HumanCount == 0 {
		m.logger.Info("no humans remaining, leaving", "guild", guild, "channel", channel)
		m.leave(ctx, guild)
		return
	}

	if mv.AuthorizedCount == 0 && m.authStoreNonEmpty(guild) {
		m.logger.Info("no authorized humans remaining, starting short leave timer", "guild", guild, "channel", channel)
		gs.mu.Lock()
		m.scheduleInactivityLocked(gs, guild, m.cfg.NoAuthInactivity)
		gs.mu.Unlock()
		return
	}

	gs.mu.Lock()
	m.resetInactivityLocked(gs, guild, m.cfg.DefaultInactivity)
	gs.mu.Unlock()
}

// authStoreNonEmpty reports whether the auth/routing store (out of scope,
// §6.1) has at least one authorized user for guild. A nil store is treated
// as empty, matching the teacher's fail-closed default.
func (m *Manager) authStoreNonEmpty(guild orchestrator.GuildKey) bool {
	return m.auth != nil && m.auth.AuthorizedCount(guild) > 0
}

// cleanupOrphan handles a member leaving a channel in a guild that has no
// active Controller (e.g. one left over from a crash mid-session): if no
// humans remain it logs the orphaned voice connection. It does not
// disconnect anything; the Manager holds no bridge handle.
func (m *Manager) cleanupOrphan(ctx context.Context, guild orchestrator.GuildKey, channel orchestrator.ChannelKey) {
	if m.members == nil {
		return
	}
	mv := m.members.Membership(guild, channel)
	if mv.HumanCount > 0 {
		return
	}
	m.logger.Info("cleaning up orphaned voice connection", "guild", guild, "channel", channel)
}

// leave tears down the guild's active Controller and clears its timer.
func (m *Manager) leave(ctx context.Context, guild orchestrator.GuildKey) {
	gs := m.state(guild)
	gs.mu.Lock()
	ctrl := gs.controller
	m.cancelTimerLocked(gs)
	gs.controller = nil
	gs.channel = ""
	gs.mu.Unlock()

	if ctrl != nil {
		ctrl.Stop(ctx)
	}
}

// Leave is the explicit, externally-triggered counterpart to the
// automatic leave rules (e.g. a "/leave" command handler calling in).
func (m *Manager) Leave(ctx context.Context, guild orchestrator.GuildKey) {
	m.leave(ctx, guild)
}

// NotifyActivity resets a guild's inactivity timer; callers that observe
// conversational activity outside a raw voice-state event (e.g. the
// Session Controller itself, on every completed turn) call this so an
// active conversation is never killed by the idle timer.
func (m *Manager) NotifyActivity(guild orchestrator.GuildKey) {
	gs := m.state(guild)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.controller == nil || !gs.controller.IsActive() {
		return
	}
	m.resetInactivityLocked(gs, guild, m.cfg.DefaultInactivity)
}

func (m *Manager) resetInactivity(gs *guildState, guild orchestrator.GuildKey, timeout time.Duration) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	m.resetInactivityLocked(gs, guild, timeout)
}

func (m *Manager) resetInactivityLocked(gs *guildState, guild orchestrator.GuildKey, timeout time.Duration) {
	m.cancelTimerLocked(gs)
	m.scheduleInactivityLocked(gs, guild, timeout)
}

func (m *Manager) scheduleInactivityLocked(gs *guildState, guild orchestrator.GuildKey, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	gs.timer = time.AfterFunc(timeout, func() {
		m.logger.Info("inactivity timeout reached", "guild", guild)
		m.leave(context.Background(), guild)
	})
}

func (m *Manager) cancelTimerLocked(gs *guildState) {
	if gs.timer != nil {
		gs.timer.Stop()
		gs.timer = nil
	}
}

// ActiveGuildCount reports how many guilds currently have a live session,
// for health/metrics reporting.
func (m *Manager) ActiveGuildCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, gs := range m.guilds {
		gs.mu.Lock()
		if gs.controller != nil && gs.controller.IsActive() {
			n++
		}
		gs.mu.Unlock()
	}
	return n
}

// Shutdown leaves every active guild, used on process shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	guilds := make([]orchestrator.GuildKey, 0, len(m.guilds))
	for g := range m.guilds {
		guilds = append(guilds, g)
	}
	m.mu.Unlock()

	for _, g := range guilds {
		m.leave(ctx, g)
	}
}
