package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every lookup that finds nothing.
var ErrNotFound = errors.New("not found")

// ErrNotParticipant hides other identities' conversations behind ErrNotFound.
var ErrNotParticipant = fmt.Errorf("not a participant: %w", ErrNotFound)

// Rejection reasons reported to the submitting connection.
const (
	ReasonNotParticipant      = "not a participant"
	ReasonEmptyMessage        = "empty message"
	ReasonInvalidAttachment   = "invalid attachment"
	ReasonInvalidRecipient    = "invalid recipient"
	ReasonUnknownConversation = "unknown conversation"
	ReasonStorageFailure      = "storage failure"
)

// Rejected reports a submission that was refused. Nothing is broadcast for it.
type Rejected struct {
	Reason string
}

func (e *Rejected) Error() string {
	return "rejected: " + e.Reason
}

// AuthError ends an unauthenticated connection.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Message, e.Err)
	}
	return "auth: " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err is a Rejected and returns it.
func IsRejected(err error) (*Rejected, bool) {
	var r *Rejected
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
