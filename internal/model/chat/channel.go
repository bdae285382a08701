package chat

// ChannelKind distinguishes direct messages from rooms.
type ChannelKind string

const (
	ChannelDM      ChannelKind = "dm"
	ChannelChannel ChannelKind = "channel"
	ChannelGroup   ChannelKind = "group"
)

// MembershipState is the local session's subscription state for a channel.
type MembershipState string

const (
	MembershipNotJoined MembershipState = "not-joined"
	MembershipJoining   MembershipState = "joining"
	MembershipJoined    MembershipState = "joined"
)

// Channel is a conversation the session can subscribe to.
type Channel struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Kind        ChannelKind     `json:"kind"`
	Membership  MembershipState `json:"membership"`
	Members     []string        `json:"members,omitempty"`
	UnreadCount int             `json:"unreadCount"`
}
