package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"daybook/api/internal/metrics"
	"daybook/api/internal/store"
)

// The provider delivers results through an unauthenticated webhook. The
// request id it echoes back is the only correlation handle: it is matched
// against the per-user token slots, and a callback whose token matches no
// slot is stale and must not touch anything.

const callbackSchemaJSON = `{
	"type": "object",
	"required": ["request_id", "status"],
	"properties": {
		"request_id": {"type": "string", "minLength": 1},
		"status": {"type": "string", "minLength": 1}
	}
}`

var callbackSchema = mustCompileCallbackSchema()

func mustCompileCallbackSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(callbackSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("callback.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("callback.json")
	if err != nil {
		panic(err)
	}
	return schema
}

type callbackEnvelope struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output"`
	Result    json.RawMessage `json:"result"`
}

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// HandleGenerationCallback processes one provider webhook delivery.
func (s *Service) HandleGenerationCallback(ctx context.Context, body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return domainError(http.StatusBadRequest, "INVALID_CALLBACK", "Malformed callback body", nil)
	}
	if err := callbackSchema.Validate(instance); err != nil {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return domainError(http.StatusBadRequest, "INVALID_CALLBACK", "Callback envelope failed validation", nil)
	}

	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return domainError(http.StatusBadRequest, "INVALID_CALLBACK", "Malformed callback body", nil)
	}

	if env.Status != "success" {
		// The job failed upstream. The slot keeps its token; a later dispatch
		// overwrites it.
		metrics.CallbacksTotal.WithLabelValues("failed").Inc()
		log.Printf("correlate: provider reported failure for token %s", env.RequestID)
		return domainError(http.StatusBadRequest, "CALLBACK_FAILED", "Provider reported failure", nil)
	}

	text, ok := extractResultText(env)
	if !ok {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return domainError(http.StatusBadRequest, "UNRECOGNIZED_RESULT", "No result text in callback", nil)
	}

	user, err := s.store.FindUserByTextToken(ctx, env.RequestID)
	if err == nil {
		return s.resolveTextCallback(ctx, user.ID, text)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	user, err = s.store.FindUserByVoteToken(ctx, env.RequestID)
	if err == nil {
		return s.resolveVoteCallback(ctx, user.ID, user.ActivePollID, text)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	// Stale token: the slot was overwritten or already resolved. Nothing to
	// correlate against, and nothing may be written.
	metrics.CorrelationMissesTotal.Inc()
	metrics.CallbacksTotal.WithLabelValues("miss").Inc()
	log.Printf("correlate: no slot matches token %s", env.RequestID)
	return domainError(http.StatusNotFound, "CORRELATION_MISS", "Token matches no pending request", nil)
}

// resolveTextCallback lands a free-text or reply result as today's entry for
// the matched user. The slot clears only after the write succeeds, so a
// failed write can be retried by the provider.
func (s *Service) resolveTextCallback(ctx context.Context, userID, text string) error {
	date := time.Now().UTC().Format("2006-01-02")
	entry, err := s.store.UpsertEntryForDate(ctx, userID, date, text)
	if err != nil {
		return err
	}
	if err := s.store.ClearTextToken(ctx, userID); err != nil {
		return err
	}

	item := entryItem(entry)
	if item["authorName"] == "" {
		if user, err := s.store.GetUserByID(ctx, userID); err == nil {
			item["authorName"] = user.DisplayName
		}
	}
	// The upsert may have replaced an existing entry for the day.
	s.publishDelete(ctx, entry.Date, entry.ID)
	s.publishInsert(ctx, entry.Date, item)
	s.indexEntry(entry)

	metrics.CallbacksTotal.WithLabelValues("resolved").Inc()
	log.Printf("correlate: text slot resolved for user %s", userID)
	return nil
}

// resolveVoteCallback recovers the chosen option from the result's free text.
// The vote slot clears unconditionally once a result arrives for it, whatever
// happens to the vote itself.
func (s *Service) resolveVoteCallback(ctx context.Context, userID, pollID, text string) error {
	if err := s.store.ClearVoteToken(ctx, userID); err != nil {
		return err
	}
	log.Printf("correlate: vote slot cleared for user %s", userID)

	if pollID == "" {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return domainError(http.StatusInternalServerError, "NO_ACTIVE_POLL", "Vote token had no poll context", nil)
	}

	optionID, ok := extractOptionID(text)
	if !ok {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return domainError(http.StatusInternalServerError, "UNRECOGNIZED_VOTE", "No option identifier in result", nil)
	}

	poll, err := s.store.GetPoll(ctx, pollID, "")
	if err != nil {
		return err
	}
	if !pollHasOption(poll, optionID) {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return domainError(http.StatusInternalServerError, "UNKNOWN_OPTION", "Result names an option not in the poll", nil)
	}

	existing, err := s.store.GetPollVote(ctx, pollID, userID)
	if err != nil {
		return err
	}
	if existing != nil {
		// The user voted while the job was in flight. The late vote is dropped.
		metrics.CallbacksTotal.WithLabelValues("resolved").Inc()
		log.Printf("correlate: duplicate vote dropped for user %s poll %s", userID, pollID)
		return nil
	}

	if err := s.store.InsertPollVote(ctx, store.PollVote{PollID: pollID, OptionID: optionID, VoterID: userID}); err != nil {
		return err
	}
	metrics.CallbacksTotal.WithLabelValues("resolved").Inc()
	log.Printf("correlate: vote recorded for user %s poll %s", userID, pollID)
	return nil
}

// extractResultText probes the envelope shapes providers actually send, most
// specific last: a top-level output string, a bare result string, then the
// two nested message layouts.
func extractResultText(env callbackEnvelope) (string, bool) {
	if text, ok := rawString(env.Output); ok {
		return text, true
	}
	if text, ok := rawString(env.Result); ok {
		return text, true
	}

	var viaMessage []struct {
		Message struct {
			Content messageContent `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(env.Result, &viaMessage); err == nil && len(viaMessage) > 0 {
		if content := viaMessage[0].Message.Content.text; strings.TrimSpace(content) != "" {
			return content, true
		}
	}

	var viaChoices []struct {
		Choices []struct {
			Message struct {
				Content messageContent `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(env.Result, &viaChoices); err == nil && len(viaChoices) > 0 && len(viaChoices[0].Choices) > 0 {
		if content := viaChoices[0].Choices[0].Message.Content.text; strings.TrimSpace(content) != "" {
			return content, true
		}
	}

	return "", false
}

// messageContent accepts both content encodings providers use: a bare string
// or a list of typed parts, of which the first text part counts.
type messageContent struct {
	text string
}

func (c *messageContent) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		c.text = plain
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err == nil {
		for _, part := range parts {
			if part.Type == "text" && strings.TrimSpace(part.Text) != "" {
				c.text = part.Text
				return nil
			}
		}
	}
	return nil
}

func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", false
	}
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// extractOptionID scans free text for the first valid UUID. The model is told
// to answer with a bare identifier, but answers arrive wrapped in punctuation
// and prose often enough that scanning beats exact matching.
func extractOptionID(text string) (string, bool) {
	for _, candidate := range uuidPattern.FindAllString(text, -1) {
		if parsed, err := uuid.Parse(candidate); err == nil {
			return parsed.String(), true
		}
	}
	return "", false
}
