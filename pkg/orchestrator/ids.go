package orchestrator

// GuildKey, UserKey and ChannelKey identify a Discord guild, user and voice
// channel respectively. They are plain strings so the core never needs to
// know about snowflake encoding, but the distinct types keep call sites from
// mixing up which id goes where.
type (
	GuildKey   string
	UserKey    string
	ChannelKey string
)

// ChannelRef is the membership snapshot the platform layer hands to the
// Channel Manager on every voice-state update. The core never queries
// Discord directly; it only reacts to the counts it's given.
type ChannelRef struct {
	Guild           GuildKey
	Channel         ChannelKey
	HumanCount      int
	AuthorizedCount int
}
