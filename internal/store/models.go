package store

import "time"

// User carries at most one outstanding correlation token per request kind:
// TextToken is shared by the free-text and reply generation flows, VoteToken
// belongs to the poll-vote flow. ActivePollID is the poll context for
// VoteToken and clears together with it.
type User struct {
	ID           string
	DisplayName  string
	Gender       string
	AIModel      string
	TextToken    string
	VoteToken    string
	ActivePollID string
	CreatedAt    time.Time
}

// Entry is a date-scoped journal entry. An entry with empty text and no
// attachments is void and eligible for silent deletion.
type Entry struct {
	ID          string
	AuthorID    string
	AuthorName  string
	Date        string
	Text        string
	Attachments []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Poll is a date-scoped question. Options are immutable after creation;
// only vote counts and the viewer's own vote change afterwards.
type Poll struct {
	ID         string
	AuthorID   string
	AuthorName string
	Date       string
	Question   string
	Options    []PollOption
	CreatedAt  time.Time
	// ViewerVote is the option the requesting user voted for, empty if none.
	ViewerVote string
}

type PollOption struct {
	ID        string
	PollID    string
	Text      string
	Position  int
	VoteCount int
}

type PollVote struct {
	PollID    string
	OptionID  string
	VoterID   string
	CreatedAt time.Time
}
