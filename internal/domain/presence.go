package domain

import "time"

// PresenceRecord is the presence of one identity.
type PresenceRecord struct {
	Identity Identity  `json:"identity"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}
