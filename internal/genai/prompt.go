package genai

import (
	"fmt"
	"strings"
)

// VoteOption pairs an option identifier with its display text for the
// enumerated list sent to the provider.
type VoteOption struct {
	ID   string
	Text string
}

// FreeTextMessages builds the prompt for a user-authored generation request.
func FreeTextMessages(prompt string, outputLength int) []Message {
	if outputLength <= 0 {
		outputLength = 200
	}
	system := fmt.Sprintf(
		"You write short, warm journal entries on behalf of the user. Answer with the entry text only, roughly %d characters, no preamble.",
		outputLength,
	)
	return []Message{
		textMessage("system", system),
		textMessage("user", prompt),
	}
}

// ReplyMessages builds the prompt for a contextual reply entry. The persona
// comes from the user's stored selection; the latest entry is the context
// being replied to.
func ReplyMessages(gender, latestEntry string) []Message {
	var persona strings.Builder
	persona.WriteString("You are a close friend replying to a journal entry in a shared diary.")
	switch gender {
	case "female":
		persona.WriteString(" Write in the voice of a woman.")
	case "male":
		persona.WriteString(" Write in the voice of a man.")
	}
	persona.WriteString(" Answer with the reply text only, two or three sentences.")

	context := latestEntry
	if strings.TrimSpace(context) == "" {
		context = "The diary has no entries yet. Write a short note encouraging the first one."
	}
	return []Message{
		textMessage("system", persona.String()),
		textMessage("user", context),
	}
}

// VoteMessages renders the poll as an explicit enumerated identifier/text
// list and constrains the answer to a bare identifier. That identifier is the
// only structured handle the callback side has for recovering the choice from
// free text.
func VoteMessages(question string, options []VoteOption) []Message {
	var list strings.Builder
	for _, option := range options {
		fmt.Fprintf(&list, "- %s: %s\n", option.ID, option.Text)
	}
	system := "You vote in a poll on behalf of the user. Pick exactly one option and answer with only that option's identifier, nothing else."
	user := fmt.Sprintf("Question: %s\nOptions:\n%s", question, list.String())
	return []Message{
		textMessage("system", system),
		textMessage("user", user),
	}
}

func textMessage(role, text string) Message {
	return Message{Role: role, Content: []Content{{Type: "text", Text: text}}}
}
