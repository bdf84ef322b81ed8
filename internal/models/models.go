package models

import "time"

// VoteType enumerates the two directions a user can vote on a message.
type VoteType string

const (
	// VoteTypeUp marks approval of a message.
	VoteTypeUp VoteType = "upvote"
	// VoteTypeDown marks disapproval of a message.
	VoteTypeDown VoteType = "downvote"
)

// Valid reports whether the value is one of the two known vote directions.
func (v VoteType) Valid() bool {
	return v == VoteTypeUp || v == VoteTypeDown
}

// Opposite returns the other vote direction.
func (v VoteType) Opposite() VoteType {
	if v == VoteTypeUp {
		return VoteTypeDown
	}
	return VoteTypeUp
}

// Message is a direct message between two users together with its vote tally.
// The JSON form is the wire shape shared by history reads and live delivery
// events; SentAt orders history reads but never leaves the process.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Content   string `json:"content"`
	Upvotes   int    `json:"upvotes"`
	Downvotes int    `json:"downvotes"`

	SentAt time.Time `json:"-"`
}

// Between reports whether the message belongs to the conversation between the
// two users, in either direction.
func (m Message) Between(userA, userB string) bool {
	return (m.Sender == userA && m.Receiver == userB) ||
		(m.Sender == userB && m.Receiver == userA)
}

// User is an account known to the credential store. The username doubles as
// the user identity carried on messages, votes, and live connections.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
}
