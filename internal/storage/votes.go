package storage

import "dmrelay/internal/models"

// voteTransition is the outcome of a single toggle step: the new vote state
// for the (user, message) pair and the counter deltas it carries.
type voteTransition struct {
	next      models.VoteType // empty means the vote was cleared
	upDelta   int
	downDelta int
}

// toggleVote computes the three-way toggle. prev is the persisted vote read
// inside the same atomic unit that applies the result; an empty prev means
// the user has no vote on the message.
func toggleVote(prev, requested models.VoteType) voteTransition {
	switch prev {
	case requested:
		// Re-selecting the current vote clears it.
		t := voteTransition{}
		if requested == models.VoteTypeUp {
			t.upDelta = -1
		} else {
			t.downDelta = -1
		}
		return t
	case "":
		t := voteTransition{next: requested}
		if requested == models.VoteTypeUp {
			t.upDelta = 1
		} else {
			t.downDelta = 1
		}
		return t
	default:
		// Switching direction moves one count across.
		t := voteTransition{next: requested}
		if requested == models.VoteTypeUp {
			t.upDelta = 1
			t.downDelta = -1
		} else {
			t.upDelta = -1
			t.downDelta = 1
		}
		return t
	}
}
