package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// ErrEmptyAnswer is returned when the model produced no text.
var ErrEmptyAnswer = errors.New("no response generated")

// Answer is one generated reply.
type Answer struct {
	Text     string
	Language string
	Metadata map[string]any
}

// Responder answers a learner's question.
type Responder interface {
	Respond(ctx context.Context, query, language string) (*Answer, error)
}

const professorPrompt = `You are ProfAI, an experienced and patient university professor.
Answer the student's question clearly and concisely in {language}.
Prefer short paragraphs of plain sentences; your answer is read aloud, so avoid
markdown, tables, code blocks and bullet lists.`

// Service runs the chat chain against the configured chat model.
type Service struct {
	chain    compose.Runnable[map[string]any, *schema.Message]
	teaching compose.Runnable[map[string]any, *schema.Message]
}

// NewService compiles the chat and teaching chains over chatModel.
func NewService(ctx context.Context, chatModel model.ChatModel) (*Service, error) {
	chatTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(professorPrompt),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)
	chain, err := compileChain(ctx, chatTemplate, chatModel)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	teachingTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(teachingPrompt),
		schema.UserMessage(teachingRequest),
	)
	teaching, err := compileChain(ctx, teachingTemplate, chatModel)
	if err != nil {
		return nil, fmt.Errorf("failed to compile teaching chain: %w", err)
	}

	return &Service{
		chain:    chain,
		teaching: teaching,
	}, nil
}

func compileChain(ctx context.Context, template prompt.ChatTemplate, chatModel model.ChatModel) (compose.Runnable[map[string]any, *schema.Message], error) {
	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)
	return chain.Compile(ctx)
}

// Respond answers query without conversation history.
func (s *Service) Respond(ctx context.Context, query, language string) (*Answer, error) {
	return s.respond(ctx, nil, query, language)
}

func (s *Service) respond(ctx context.Context, history []*schema.Message, query, language string) (*Answer, error) {
	if language == "" {
		language = DefaultLanguage
	}

	response, err := s.chain.Invoke(ctx, map[string]any{
		"language": LanguageName(language),
		"history":  history,
		"query":    query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	text := strings.TrimSpace(response.Content)
	if text == "" {
		return nil, ErrEmptyAnswer
	}

	log.Printf("[ai] answered query (language=%s, length=%d)", language, len(text))
	return &Answer{
		Text:     text,
		Language: language,
		Metadata: answerMetadata(response, language),
	}, nil
}

func answerMetadata(msg *schema.Message, language string) map[string]any {
	meta := map[string]any{"language": language}
	if msg.ResponseMeta == nil {
		return meta
	}
	if msg.ResponseMeta.FinishReason != "" {
		meta["finish_reason"] = msg.ResponseMeta.FinishReason
	}
	if usage := msg.ResponseMeta.Usage; usage != nil {
		meta["prompt_tokens"] = usage.PromptTokens
		meta["completion_tokens"] = usage.CompletionTokens
		meta["total_tokens"] = usage.TotalTokens
	}
	return meta
}
