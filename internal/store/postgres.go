package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"daybook/api/internal/util"
)

// ErrDuplicateEntry reports a second manual entry for an (author, date) pair
// that already has one. Generation callbacks go through UpsertEntryForDate
// instead and never hit this.
var ErrDuplicateEntry = errors.New("entry already exists for this author and date")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `
		SELECT id, display_name, gender, ai_model,
			COALESCE(text_token, ''), COALESCE(vote_token, ''), COALESCE(active_poll_id, '')
		FROM users WHERE display_name = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(
		&user.ID, &user.DisplayName, &user.Gender, &user.AIModel,
		&user.TextToken, &user.VoteToken, &user.ActivePollID,
	)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	user = User{ID: util.NewID("usr"), DisplayName: name}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name) VALUES ($1, $2)
		ON CONFLICT (display_name) DO NOTHING
	`, user.ID, user.DisplayName); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	// Re-read in case a concurrent insert won the conflict.
	err = s.db.QueryRowContext(ctx, findUser, name).Scan(
		&user.ID, &user.DisplayName, &user.Gender, &user.AIModel,
		&user.TextToken, &user.VoteToken, &user.ActivePollID,
	)
	if err != nil {
		return User{}, fmt.Errorf("reread user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, gender, ai_model,
			COALESCE(text_token, ''), COALESCE(vote_token, ''), COALESCE(active_poll_id, '')
		FROM users WHERE id=$1
	`, userID).Scan(
		&user.ID, &user.DisplayName, &user.Gender, &user.AIModel,
		&user.TextToken, &user.VoteToken, &user.ActivePollID,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SetUserPersona(ctx context.Context, userID, gender, aiModel string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET gender=$2, ai_model=$3 WHERE id=$1
	`, userID, gender, aiModel)
	if err != nil {
		return fmt.Errorf("set user persona: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// Token slots. These are last-write-wins single-value registers: a new
// dispatch overwrites whatever token was in flight, and clears set NULL
// unconditionally. No compare-and-swap.

func (s *PostgresStore) SetTextToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET text_token=$2 WHERE id=$1`, userID, token)
	if err != nil {
		return fmt.Errorf("set text token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearTextToken(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET text_token=NULL WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("clear text token: %w", err)
	}
	return nil
}

// SetVoteToken writes the token and its poll context in one statement so the
// pair can never be observed half-set.
func (s *PostgresStore) SetVoteToken(ctx context.Context, userID, token, pollID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET vote_token=$2, active_poll_id=$3 WHERE id=$1
	`, userID, token, pollID)
	if err != nil {
		return fmt.Errorf("set vote token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearVoteToken(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET vote_token=NULL, active_poll_id=NULL WHERE id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("clear vote token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindUserByTextToken(ctx context.Context, token string) (User, error) {
	return s.findUserByTokenColumn(ctx, "text_token", token)
}

func (s *PostgresStore) FindUserByVoteToken(ctx context.Context, token string) (User, error) {
	return s.findUserByTokenColumn(ctx, "vote_token", token)
}

func (s *PostgresStore) findUserByTokenColumn(ctx context.Context, column, token string) (User, error) {
	query := fmt.Sprintf(`
		SELECT id, display_name, gender, ai_model,
			COALESCE(text_token, ''), COALESCE(vote_token, ''), COALESCE(active_poll_id, '')
		FROM users WHERE %s = $1
	`, column)
	var user User
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&user.ID, &user.DisplayName, &user.Gender, &user.AIModel,
		&user.TextToken, &user.VoteToken, &user.ActivePollID,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Entries

func (s *PostgresStore) InsertEntry(ctx context.Context, entry Entry) error {
	attachments, err := marshalAttachments(entry.Attachments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (id, author_id, entry_date, body, attachments)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.AuthorID, entry.Date, entry.Text, attachments)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	var entry Entry
	var attachments []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.author_id, u.display_name, e.entry_date::text, e.body, e.attachments, e.created_at, e.updated_at
		FROM entries e
		JOIN users u ON u.id = e.author_id
		WHERE e.id=$1
	`, entryID).Scan(
		&entry.ID, &entry.AuthorID, &entry.AuthorName, &entry.Date,
		&entry.Text, &attachments, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(attachments, &entry.Attachments); err != nil {
		return Entry{}, fmt.Errorf("decode attachments: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) UpdateEntry(ctx context.Context, entryID, text string, attachmentURIs []string) error {
	attachments, err := marshalAttachments(attachmentURIs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE entries SET body=$2, attachments=$3, updated_at=NOW() WHERE id=$1
	`, entryID, text, attachments)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id=$1`, entryID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// UpsertEntryForDate is the callback-side write: one entry per author per day,
// a replayed callback replaces the body rather than duplicating the row.
func (s *PostgresStore) UpsertEntryForDate(ctx context.Context, authorID, date, text string) (Entry, error) {
	var entry Entry
	var attachments []byte
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO entries (id, author_id, entry_date, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (author_id, entry_date)
		DO UPDATE SET body=EXCLUDED.body, updated_at=NOW()
		RETURNING id, author_id, entry_date::text, body, attachments, created_at, updated_at
	`, util.NewID("ent"), authorID, date, text).Scan(
		&entry.ID, &entry.AuthorID, &entry.Date, &entry.Text,
		&attachments, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("upsert entry: %w", err)
	}
	if err := json.Unmarshal(attachments, &entry.Attachments); err != nil {
		return Entry{}, fmt.Errorf("decode attachments: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListEntriesByDateRange(ctx context.Context, from, to string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.author_id, u.display_name, e.entry_date::text, e.body, e.attachments, e.created_at, e.updated_at
		FROM entries e
		JOIN users u ON u.id = e.author_id
		WHERE e.entry_date >= $1 AND e.entry_date < $2
		ORDER BY e.created_at ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var attachments []byte
		if err := rows.Scan(
			&entry.ID, &entry.AuthorID, &entry.AuthorName, &entry.Date,
			&entry.Text, &attachments, &entry.CreatedAt, &entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := json.Unmarshal(attachments, &entry.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

// LatestEntryText returns the body of the author's most recent entry, or ""
// if they have none. Used as prompt context for reply generation.
func (s *PostgresStore) LatestEntryText(ctx context.Context, authorID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM entries
		WHERE author_id=$1
		ORDER BY entry_date DESC, created_at DESC
		LIMIT 1
	`, authorID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest entry text: %w", err)
	}
	return text, nil
}

// Polls

func (s *PostgresStore) InsertPoll(ctx context.Context, poll Poll) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin poll tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO polls (id, author_id, poll_date, question)
		VALUES ($1, $2, $3, $4)
	`, poll.ID, poll.AuthorID, poll.Date, poll.Question); err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}

	for i, option := range poll.Options {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO poll_options (id, poll_id, body, position)
			VALUES ($1, $2, $3, $4)
		`, option.ID, poll.ID, option.Text, i); err != nil {
			return fmt.Errorf("insert poll option: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit poll: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPoll(ctx context.Context, pollID, viewerID string) (Poll, error) {
	var poll Poll
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.author_id, u.display_name, p.poll_date::text, p.question, p.created_at
		FROM polls p
		JOIN users u ON u.id = p.author_id
		WHERE p.id=$1
	`, pollID).Scan(&poll.ID, &poll.AuthorID, &poll.AuthorName, &poll.Date, &poll.Question, &poll.CreatedAt)
	if err != nil {
		return Poll{}, err
	}

	options, err := s.pollOptions(ctx, pollID)
	if err != nil {
		return Poll{}, err
	}
	poll.Options = options

	if viewerID != "" {
		vote, err := s.GetPollVote(ctx, pollID, viewerID)
		if err != nil {
			return Poll{}, err
		}
		if vote != nil {
			poll.ViewerVote = vote.OptionID
		}
	}
	return poll, nil
}

func (s *PostgresStore) pollOptions(ctx context.Context, pollID string) ([]PollOption, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.poll_id, o.body, o.position,
			(SELECT COUNT(*) FROM poll_votes v WHERE v.option_id = o.id)
		FROM poll_options o
		WHERE o.poll_id=$1
		ORDER BY o.position ASC
	`, pollID)
	if err != nil {
		return nil, fmt.Errorf("list poll options: %w", err)
	}
	defer rows.Close()

	options := make([]PollOption, 0)
	for rows.Next() {
		var option PollOption
		if err := rows.Scan(&option.ID, &option.PollID, &option.Text, &option.Position, &option.VoteCount); err != nil {
			return nil, fmt.Errorf("scan poll option: %w", err)
		}
		options = append(options, option)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poll options: %w", err)
	}
	return options, nil
}

func (s *PostgresStore) DeletePoll(ctx context.Context, pollID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM polls WHERE id=$1`, pollID)
	if err != nil {
		return fmt.Errorf("delete poll: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPollsByDateRange(ctx context.Context, from, to, viewerID string) ([]Poll, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.author_id, u.display_name, p.poll_date::text, p.question, p.created_at
		FROM polls p
		JOIN users u ON u.id = p.author_id
		WHERE p.poll_date >= $1 AND p.poll_date < $2
		ORDER BY p.created_at ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	defer rows.Close()

	polls := make([]Poll, 0)
	for rows.Next() {
		var poll Poll
		if err := rows.Scan(&poll.ID, &poll.AuthorID, &poll.AuthorName, &poll.Date, &poll.Question, &poll.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan poll: %w", err)
		}
		polls = append(polls, poll)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate polls: %w", err)
	}

	for i := range polls {
		options, err := s.pollOptions(ctx, polls[i].ID)
		if err != nil {
			return nil, err
		}
		polls[i].Options = options
		if viewerID != "" {
			vote, err := s.GetPollVote(ctx, polls[i].ID, viewerID)
			if err != nil {
				return nil, err
			}
			if vote != nil {
				polls[i].ViewerVote = vote.OptionID
			}
		}
	}
	return polls, nil
}

// GetPollVote returns nil when the voter has not voted on the poll.
func (s *PostgresStore) GetPollVote(ctx context.Context, pollID, voterID string) (*PollVote, error) {
	var vote PollVote
	err := s.db.QueryRowContext(ctx, `
		SELECT poll_id, option_id, voter_id, created_at
		FROM poll_votes
		WHERE poll_id=$1 AND voter_id=$2
		LIMIT 1
	`, pollID, voterID).Scan(&vote.PollID, &vote.OptionID, &vote.VoterID, &vote.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get poll vote: %w", err)
	}
	return &vote, nil
}

func (s *PostgresStore) InsertPollVote(ctx context.Context, vote PollVote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_votes (id, poll_id, option_id, voter_id)
		VALUES ($1, $2, $3, $4)
	`, util.NewID("pv"), vote.PollID, vote.OptionID, vote.VoterID)
	if err != nil {
		return fmt.Errorf("insert poll vote: %w", err)
	}
	return nil
}

// Refresh sessions (PostgreSQL fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.gender, u.ai_model,
			COALESCE(u.text_token, ''), COALESCE(u.vote_token, ''), COALESCE(u.active_poll_id, '')
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&user.ID, &user.DisplayName, &user.Gender, &user.AIModel,
		&user.TextToken, &user.VoteToken, &user.ActivePollID,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func marshalAttachments(uris []string) ([]byte, error) {
	if uris == nil {
		uris = []string{}
	}
	data, err := json.Marshal(uris)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return data, nil
}
