package ai

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"
)

// TeachingGenerator turns raw course material into a spoken lecture.
type TeachingGenerator interface {
	Generate(ctx context.Context, moduleTitle, topicTitle, rawContent, language string) (string, error)
}

const (
	rawContentLimit  = 8000
	rawContentKeep   = 7500
	fallbackIntroMax = 500
)

const teachingPrompt = `You are ProfAI, a university professor delivering a short spoken lecture in {language}.
Teach from the material you are given: introduce the topic, explain the key ideas
with one concrete example, and close with a brief recap. The lecture is read aloud,
so write plain connected sentences without markdown, lists or headings.`

const teachingRequest = `Module: {module}
Topic: {topic}

Material:
{content}`

// Generate produces lecture text for one sub-topic.
func (s *Service) Generate(ctx context.Context, moduleTitle, topicTitle, rawContent, language string) (string, error) {
	if language == "" {
		language = DefaultLanguage
	}

	response, err := s.teaching.Invoke(ctx, map[string]any{
		"language": LanguageName(language),
		"module":   moduleTitle,
		"topic":    topicTitle,
		"content":  PrepareRawContent(moduleTitle, topicTitle, rawContent),
	})
	if err != nil {
		return "", fmt.Errorf("failed to run teaching chain: %w", err)
	}

	content := strings.TrimSpace(response.Content)
	if content == "" {
		return "", ErrEmptyAnswer
	}
	log.Printf("[ai] generated teaching content for %q (length=%d)", topicTitle, len(content))
	return content, nil
}

// PrepareRawContent fills in empty material and trims oversized material
// before it reaches the model.
func PrepareRawContent(moduleTitle, topicTitle, rawContent string) string {
	rawContent = strings.TrimSpace(rawContent)
	if rawContent == "" {
		return fmt.Sprintf("This topic covers %s as part of %s.", topicTitle, moduleTitle)
	}
	if utf8.RuneCountInString(rawContent) > rawContentLimit {
		return string([]rune(rawContent)[:rawContentKeep]) + "..."
	}
	return rawContent
}

// FallbackTeachingContent builds a lecture from the material itself, for
// when the model is unavailable, slow or silent.
func FallbackTeachingContent(moduleTitle, topicTitle, rawContent string) string {
	rawContent = PrepareRawContent(moduleTitle, topicTitle, rawContent)

	var intro string
	if sentences := strings.Split(rawContent, ". "); len(sentences) >= 3 {
		intro = strings.TrimSuffix(strings.Join(sentences[:3], ". "), ".") + "."
	} else if utf8.RuneCountInString(rawContent) > fallbackIntroMax {
		intro = string([]rune(rawContent)[:fallbackIntroMax])
	} else {
		intro = rawContent
	}

	return fmt.Sprintf(`Welcome to today's lesson on %[1]s from the module %[2]s.

Let me explain this important topic to you.

%[3]s

This covers the key concepts you need to understand about %[1]s.

I hope this explanation helps you grasp the important points. Please feel free to ask if you have any questions about this topic.

Thank you for your attention.`, topicTitle, moduleTitle, intro)
}
