// Package title derives short conversation labels from the first user message.
package title

import (
	"context"
	"regexp"
	"strings"

	"localchat/internal/llm"
	"localchat/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	fallbackRunes = 50
	maxLabelRunes = 100

	titleTemperature = 0.7
	titleMaxTokens   = 20

	instruction = "Generate a very short title (1-2 words) for a chat that starts with the message below. " +
		"Answer in the same language as the message. Reply with the title only, without quotes or punctuation."
)

var titlePrefix = regexp.MustCompile(`(?i)^title:?\s*`)

// Completer is the part of the completion client the synthesizer needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
}

type Synthesizer struct {
	client Completer
}

func NewSynthesizer(client Completer) *Synthesizer {
	return &Synthesizer{client: client}
}

// Synthesize asks the model for a label. It never fails: any problem yields Fallback.
func (s *Synthesizer) Synthesize(ctx context.Context, firstMessage, modelID string) string {
	if strings.TrimSpace(modelID) == "" || s.client == nil {
		return Fallback(firstMessage)
	}
	out, err := s.client.Complete(ctx, llm.CompletionRequest{
		Model: modelID,
		Messages: []llm.Message{
			{Role: models.RoleSystem, Content: instruction},
			{Role: models.RoleUser, Content: "Message: " + firstMessage},
		},
		Temperature: titleTemperature,
		MaxTokens:   titleMaxTokens,
	})
	if err != nil {
		log.WithError(err).WithField("model", modelID).Warn("title synthesis failed, using fallback")
		return Fallback(firstMessage)
	}
	label := cleanup(out)
	if label == "" {
		return Fallback(firstMessage)
	}
	return label
}

func cleanup(raw string) string {
	label := strings.TrimSpace(raw)
	label = strings.Trim(label, `"`)
	label = titlePrefix.ReplaceAllString(label, "")
	label = strings.TrimSpace(strings.Trim(label, `"`))
	return label
}

// Fallback is the first 50 characters of the message followed by "...".
func Fallback(firstMessage string) string {
	r := []rune(firstMessage)
	if len(r) > fallbackRunes {
		r = r[:fallbackRunes]
	}
	return string(r) + "..."
}

// Clamp limits a label to 100 characters.
func Clamp(label string) string {
	r := []rune(label)
	if len(r) <= maxLabelRunes {
		return label
	}
	return string(r[:maxLabelRunes-3]) + "..."
}
