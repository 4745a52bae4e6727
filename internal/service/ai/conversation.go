package ai

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

const historyLimit = 10

// Conversation is one learner's chat: it remembers the last few turns and
// replays them with every question. Not safe for concurrent use.
type Conversation struct {
	service *Service
	history []*schema.Message
}

// NewConversation starts an empty conversation over service.
func NewConversation(service *Service) *Conversation {
	return &Conversation{service: service}
}

// Respond answers query in the context of the earlier turns.
func (c *Conversation) Respond(ctx context.Context, query, language string) (*Answer, error) {
	answer, err := c.service.respond(ctx, c.history, query, language)
	if err != nil {
		return nil, err
	}

	c.history = append(c.history, schema.UserMessage(query), schema.AssistantMessage(answer.Text, nil))
	if len(c.history) > historyLimit {
		c.history = append([]*schema.Message(nil), c.history[len(c.history)-historyLimit:]...)
	}
	return answer, nil
}

// Turns returns the number of remembered messages.
func (c *Conversation) Turns() int {
	return len(c.history)
}
