package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"daybook/api/internal/attach"
	"daybook/api/internal/auth"
	"daybook/api/internal/config"
	"daybook/api/internal/genai"
	"daybook/api/internal/metrics"
	"daybook/api/internal/realtime"
	"daybook/api/internal/search"
	"daybook/api/internal/store"
	"daybook/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type EntryInput struct {
	Date        string   `json:"date"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
}

type PollInput struct {
	Date     string   `json:"date"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SetUserPersona(ctx context.Context, userID, gender, aiModel string) error
	DeleteUser(ctx context.Context, userID string) error

	SetTextToken(ctx context.Context, userID, token string) error
	ClearTextToken(ctx context.Context, userID string) error
	SetVoteToken(ctx context.Context, userID, token, pollID string) error
	ClearVoteToken(ctx context.Context, userID string) error
	FindUserByTextToken(ctx context.Context, token string) (store.User, error)
	FindUserByVoteToken(ctx context.Context, token string) (store.User, error)

	InsertEntry(context.Context, store.Entry) error
	GetEntry(ctx context.Context, entryID string) (store.Entry, error)
	UpdateEntry(ctx context.Context, entryID, text string, attachments []string) error
	DeleteEntry(ctx context.Context, entryID string) error
	UpsertEntryForDate(ctx context.Context, authorID, date, text string) (store.Entry, error)
	ListEntriesByDateRange(ctx context.Context, from, to string) ([]store.Entry, error)
	LatestEntryText(ctx context.Context, authorID string) (string, error)

	InsertPoll(context.Context, store.Poll) error
	GetPoll(ctx context.Context, pollID, viewerID string) (store.Poll, error)
	DeletePoll(ctx context.Context, pollID string) error
	ListPollsByDateRange(ctx context.Context, from, to, viewerID string) ([]store.Poll, error)
	GetPollVote(ctx context.Context, pollID, voterID string) (*store.PollVote, error)
	InsertPollVote(context.Context, store.PollVote) error

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

// SessionStore is the refresh token backend, Redis in production and
// PostgreSQL as the fallback.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, displayName string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type generator interface {
	Dispatch(ctx context.Context, messages []genai.Message) (string, error)
}

type publisher interface {
	Publish(ctx context.Context, event realtime.Event) error
}

// pgSessions adapts the PostgreSQL store to the session interface when Redis
// is not configured. Display names live in the users table there, so the
// extra argument is dropped.
type pgSessions struct {
	store *store.PostgresStore
}

func (p pgSessions) SaveRefreshSession(ctx context.Context, tokenHash, userID, _ string, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, userID, expiresAt)
}

func (p pgSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	gen      generator
	hub      publisher
	search   *search.Service
	attach   *attach.Service
}

// New wires the service. sessions may be nil, in which case refresh tokens
// live in PostgreSQL; search and attachments may be nil when not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, gen generator, hub publisher, searchSvc *search.Service, attachSvc *attach.Service) *Service {
	if sessions == nil {
		sessions = pgSessions{store: dataStore}
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		gen:      gen,
		hub:      hub,
		search:   searchSvc,
		attach:   attachSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Sessions

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, user.DisplayName, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Profile

func (s *Service) UpdateProfile(ctx context.Context, session Session, gender, aiModel string) (map[string]any, error) {
	if err := s.store.SetUserPersona(ctx, session.UserID, strings.TrimSpace(gender), strings.TrimSpace(aiModel)); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"userId":  user.ID,
		"name":    user.DisplayName,
		"gender":  user.Gender,
		"aiModel": user.AIModel,
	}, nil
}

// DeleteAccount removes the user; entries, polls and votes go with it
// through the schema's ON DELETE CASCADE.
func (s *Service) DeleteAccount(ctx context.Context, session Session) error {
	if err := s.store.DeleteUser(ctx, session.UserID); err != nil {
		return err
	}
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	return nil
}

// Journal

// Month returns all journal items of a calendar month keyed by date.
func (s *Service) Month(ctx context.Context, month, viewerID string) (map[string]any, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "month must be YYYY-MM", nil)
	}
	from := start.Format("2006-01-02")
	to := start.AddDate(0, 1, 0).Format("2006-01-02")

	entries, err := s.store.ListEntriesByDateRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	polls, err := s.store.ListPollsByDateRange(ctx, from, to, viewerID)
	if err != nil {
		return nil, err
	}

	days := make(map[string][]map[string]any)
	for _, entry := range entries {
		days[entry.Date] = append(days[entry.Date], entryItem(entry))
	}
	for _, poll := range polls {
		days[poll.Date] = append(days[poll.Date], pollItem(poll))
	}
	return map[string]any{"month": month, "days": days}, nil
}

func (s *Service) CreateEntry(ctx context.Context, session Session, input EntryInput) (map[string]any, error) {
	if _, err := time.Parse("2006-01-02", input.Date); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "date must be YYYY-MM-DD", nil)
	}
	if isVoid(input.Text, input.Attachments) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "entry needs text or attachments", nil)
	}

	entry := store.Entry{
		ID:          util.NewID("ent"),
		AuthorID:    session.UserID,
		Date:        input.Date,
		Text:        input.Text,
		Attachments: input.Attachments,
	}
	if err := s.store.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateEntry) {
			return nil, domainError(http.StatusConflict, "ENTRY_EXISTS", "You already have an entry for this date", nil)
		}
		return nil, err
	}
	saved, err := s.store.GetEntry(ctx, entry.ID)
	if err != nil {
		return nil, err
	}

	item := entryItem(saved)
	s.publishInsert(ctx, saved.Date, item)
	s.indexEntry(saved)
	return item, nil
}

// UpdateEntry saves an edit. An entry that has become void is deleted
// silently instead of being persisted empty.
func (s *Service) UpdateEntry(ctx context.Context, session Session, entryID string, input EntryInput) (map[string]any, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.AuthorID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not your entry", nil)
	}

	if isVoid(input.Text, input.Attachments) {
		if err := s.store.DeleteEntry(ctx, entryID); err != nil {
			return nil, err
		}
		s.publishDelete(ctx, entry.Date, entry.ID)
		if s.search != nil {
			s.search.DeleteEntry(entry.ID)
		}
		return map[string]any{"id": entry.ID, "deleted": true}, nil
	}

	if err := s.store.UpdateEntry(ctx, entryID, input.Text, input.Attachments); err != nil {
		return nil, err
	}
	saved, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	item := entryItem(saved)
	// Remote caches replace on delete-then-insert; a bare insert would duplicate.
	s.publishDelete(ctx, saved.Date, saved.ID)
	s.publishInsert(ctx, saved.Date, item)
	s.indexEntry(saved)
	return item, nil
}

func (s *Service) DeleteEntry(ctx context.Context, session Session, entryID string) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.AuthorID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not your entry", nil)
	}
	if err := s.store.DeleteEntry(ctx, entryID); err != nil {
		return err
	}
	s.publishDelete(ctx, entry.Date, entry.ID)
	if s.search != nil {
		s.search.DeleteEntry(entry.ID)
	}
	return nil
}

func (s *Service) CreatePoll(ctx context.Context, session Session, input PollInput) (map[string]any, error) {
	if _, err := time.Parse("2006-01-02", input.Date); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "date must be YYYY-MM-DD", nil)
	}
	if strings.TrimSpace(input.Question) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "question is required", nil)
	}
	options := make([]store.PollOption, 0, len(input.Options))
	for _, text := range input.Options {
		if strings.TrimSpace(text) == "" {
			continue
		}
		// Option ids are UUIDs: the vote callback recovers the chosen option
		// by scanning free text for a UUID, so the id shape is load-bearing.
		options = append(options, store.PollOption{ID: uuid.NewString(), Text: text})
	}
	if len(options) < 2 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "poll needs at least two options", nil)
	}

	poll := store.Poll{
		ID:       util.NewID("pol"),
		AuthorID: session.UserID,
		Date:     input.Date,
		Question: input.Question,
		Options:  options,
	}
	if err := s.store.InsertPoll(ctx, poll); err != nil {
		return nil, err
	}
	saved, err := s.store.GetPoll(ctx, poll.ID, session.UserID)
	if err != nil {
		return nil, err
	}

	item := pollItem(saved)
	s.publishInsert(ctx, saved.Date, item)
	return item, nil
}

func (s *Service) DeletePoll(ctx context.Context, session Session, pollID string) error {
	poll, err := s.store.GetPoll(ctx, pollID, "")
	if err != nil {
		return err
	}
	if poll.AuthorID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not your poll", nil)
	}
	if err := s.store.DeletePoll(ctx, pollID); err != nil {
		return err
	}
	s.publishDelete(ctx, poll.Date, poll.ID)
	return nil
}

// VotePoll records the viewer's vote. One vote per poll is advisory, enforced
// by lookup-before-insert rather than a database constraint.
func (s *Service) VotePoll(ctx context.Context, session Session, pollID, optionID string) (map[string]any, error) {
	poll, err := s.store.GetPoll(ctx, pollID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !pollHasOption(poll, optionID) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown option", nil)
	}

	existing, err := s.store.GetPollVote(ctx, pollID, session.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domainError(http.StatusConflict, "ALREADY_VOTED", "You already voted on this poll", nil)
	}

	if err := s.store.InsertPollVote(ctx, store.PollVote{PollID: pollID, OptionID: optionID, VoterID: session.UserID}); err != nil {
		return nil, err
	}
	saved, err := s.store.GetPoll(ctx, pollID, session.UserID)
	if err != nil {
		return nil, err
	}
	return pollItem(saved), nil
}

// Search

func (s *Service) Search(ctx context.Context, text, authorID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(search.Query{
		Text:           text,
		FilterAuthorID: authorID,
		Limit:          limit,
		Offset:         offset,
	}), nil
}

// Attachments

func (s *Service) PresignUpload(ctx context.Context, session Session, filename string) (attach.Upload, error) {
	if s.attach == nil {
		return attach.Upload{}, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)
	}
	return s.attach.PresignUpload(ctx, session.UserID, filename)
}

func (s *Service) PresignDownload(ctx context.Context, key string) (string, error) {
	if s.attach == nil {
		return "", domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)
	}
	return s.attach.PresignDownload(ctx, key)
}

// Generation dispatch. Each dispatch performs exactly one token slot write,
// and only after the provider has acknowledged the job. A newer dispatch of
// the same kind overwrites the slot; the older job's callback then misses.

func (s *Service) DispatchFreeText(ctx context.Context, session Session, prompt string, outputLength int) (map[string]any, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "prompt is required", nil)
	}

	token, err := s.gen.Dispatch(ctx, genai.FreeTextMessages(prompt, outputLength))
	if err != nil {
		return nil, err
	}
	if err := s.store.SetTextToken(ctx, session.UserID, token); err != nil {
		return nil, err
	}
	metrics.DispatchesTotal.WithLabelValues("free_text").Inc()
	log.Printf("genai: dispatched free_text for user %s", session.UserID)
	return map[string]any{"request_id": token}, nil
}

func (s *Service) DispatchReply(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestEntryText(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	token, err := s.gen.Dispatch(ctx, genai.ReplyMessages(user.Gender, latest))
	if err != nil {
		return nil, err
	}
	if err := s.store.SetTextToken(ctx, session.UserID, token); err != nil {
		return nil, err
	}
	metrics.DispatchesTotal.WithLabelValues("reply").Inc()
	log.Printf("genai: dispatched reply for user %s", session.UserID)
	return map[string]any{"request_id": token}, nil
}

func (s *Service) DispatchVote(ctx context.Context, session Session, pollID string) (map[string]any, error) {
	poll, err := s.store.GetPoll(ctx, pollID, session.UserID)
	if err != nil {
		return nil, err
	}
	if len(poll.Options) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "poll has no options", nil)
	}

	existing, err := s.store.GetPollVote(ctx, pollID, session.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domainError(http.StatusConflict, "ALREADY_VOTED", "You already voted on this poll", nil)
	}

	options := make([]genai.VoteOption, 0, len(poll.Options))
	for _, option := range poll.Options {
		options = append(options, genai.VoteOption{ID: option.ID, Text: option.Text})
	}

	token, err := s.gen.Dispatch(ctx, genai.VoteMessages(poll.Question, options))
	if err != nil {
		return nil, err
	}
	if err := s.store.SetVoteToken(ctx, session.UserID, token, pollID); err != nil {
		return nil, err
	}
	metrics.DispatchesTotal.WithLabelValues("vote").Inc()
	log.Printf("genai: dispatched vote for user %s poll %s", session.UserID, pollID)
	return map[string]any{"request_id": token}, nil
}

// helpers

func isVoid(text string, attachments []string) bool {
	return strings.TrimSpace(text) == "" && len(attachments) == 0
}

func pollHasOption(poll store.Poll, optionID string) bool {
	for _, option := range poll.Options {
		if option.ID == optionID {
			return true
		}
	}
	return false
}

func entryItem(entry store.Entry) map[string]any {
	attachments := entry.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return map[string]any{
		"id":          entry.ID,
		"type":        "entry",
		"authorId":    entry.AuthorID,
		"authorName":  entry.AuthorName,
		"date":        entry.Date,
		"text":        entry.Text,
		"attachments": attachments,
		"createdAt":   entry.CreatedAt,
		"updatedAt":   entry.UpdatedAt,
	}
}

func pollItem(poll store.Poll) map[string]any {
	options := make([]map[string]any, 0, len(poll.Options))
	for _, option := range poll.Options {
		options = append(options, map[string]any{
			"id":    option.ID,
			"text":  option.Text,
			"votes": option.VoteCount,
		})
	}
	return map[string]any{
		"id":         poll.ID,
		"type":       "poll",
		"authorId":   poll.AuthorID,
		"authorName": poll.AuthorName,
		"date":       poll.Date,
		"question":   poll.Question,
		"options":    options,
		"viewerVote": poll.ViewerVote,
		"createdAt":  poll.CreatedAt,
	}
}

func (s *Service) publishInsert(ctx context.Context, date string, item map[string]any) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(item)
	if err != nil {
		log.Printf("realtime: encode item: %v", err)
		return
	}
	if err := s.hub.Publish(ctx, realtime.Event{Op: realtime.OpInsert, Date: date, Item: payload}); err != nil {
		log.Printf("realtime: publish insert: %v", err)
		return
	}
	metrics.RealtimeEventsTotal.WithLabelValues(string(realtime.OpInsert)).Inc()
}

func (s *Service) publishDelete(ctx context.Context, date, id string) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"id": id, "date": date})
	if err != nil {
		log.Printf("realtime: encode item: %v", err)
		return
	}
	if err := s.hub.Publish(ctx, realtime.Event{Op: realtime.OpDelete, Date: date, Item: payload}); err != nil {
		log.Printf("realtime: publish delete: %v", err)
		return
	}
	metrics.RealtimeEventsTotal.WithLabelValues(string(realtime.OpDelete)).Inc()
}

func (s *Service) indexEntry(entry store.Entry) {
	if s.search == nil {
		return
	}
	s.search.IndexEntry(search.EntryRecord{
		ID:         entry.ID,
		AuthorID:   entry.AuthorID,
		AuthorName: entry.AuthorName,
		Date:       entry.Date,
		Body:       entry.Text,
	})
}
