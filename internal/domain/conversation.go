package domain

import "time"

// Identity is the opaque stable key of a user, as issued by the identity authority.
type Identity string

// Conversation is a one-to-one conversation between two identities.
// MemberA < MemberB always holds.
type Conversation struct {
	Key            string     `json:"key"`
	MemberA        Identity   `json:"memberA"`
	MemberB        Identity   `json:"memberB"`
	LastMessageKey string     `json:"lastMessageKey,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// CanonicalPair orders two identities so (a, b) and (b, a) map to the same pair.
func CanonicalPair(a, b Identity) (Identity, Identity) {
	if b < a {
		return b, a
	}
	return a, b
}

// HasMember reports whether id participates in the conversation.
func (c *Conversation) HasMember(id Identity) bool {
	return id != "" && (c.MemberA == id || c.MemberB == id)
}

// Peer returns the other participant.
func (c *Conversation) Peer(id Identity) Identity {
	if c.MemberA == id {
		return c.MemberB
	}
	return c.MemberA
}

// Members returns both participants.
func (c *Conversation) Members() []Identity {
	return []Identity{c.MemberA, c.MemberB}
}
