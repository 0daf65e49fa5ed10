// Package llm talks to hosted language models and adapts them to the
// classifier, extractor and generator the secretary needs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Request struct {
	System      []string
	Messages    []Message
	MaxTokens   int32
	Temperature float32 // negative leaves the provider default
	JSON        bool    // ask the provider for a JSON object
}

// Client sends one request to a model.
type Client interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

var (
	ErrEmptyCompletion = errors.New("llm: empty completion")
	ErrNoJSON          = errors.New("llm: completion carries no json object")
	ErrUnavailable     = errors.New("llm: model unavailable")
)

// Completion is one of TextCompletion, ToolCallCompletion or
// StructuredCompletion.
type Completion interface {
	completion()
}

type TextCompletion struct {
	Text       string
	StopReason string
}

type ToolCallCompletion struct {
	Name      string
	Arguments json.RawMessage
}

type StructuredCompletion struct {
	Object map[string]any
}

func (TextCompletion) completion()       {}
func (ToolCallCompletion) completion()   {}
func (StructuredCompletion) completion() {}

// ExtractText returns the human readable text of a completion. Tool calls
// carry no text.
func ExtractText(c Completion) (string, error) {
	switch v := c.(type) {
	case TextCompletion:
		text := strings.TrimSpace(v.Text)
		if text == "" {
			return "", ErrEmptyCompletion
		}
		return text, nil
	case StructuredCompletion:
		raw, err := json.Marshal(v.Object)
		if err != nil {
			return "", fmt.Errorf("llm: encode structured completion: %w", err)
		}
		return string(raw), nil
	case ToolCallCompletion:
		return "", fmt.Errorf("%w: tool call %q", ErrEmptyCompletion, v.Name)
	case nil:
		return "", ErrEmptyCompletion
	default:
		return "", fmt.Errorf("llm: unknown completion %T", c)
	}
}

// ExtractJSON decodes the object carried by a completion into dst. Text
// completions may wrap the object in prose or a markdown fence.
func ExtractJSON(c Completion, dst any) error {
	var raw []byte
	switch v := c.(type) {
	case TextCompletion:
		obj, ok := findObject(v.Text)
		if !ok {
			return ErrNoJSON
		}
		raw = []byte(obj)
	case ToolCallCompletion:
		if len(v.Arguments) == 0 {
			return ErrNoJSON
		}
		raw = v.Arguments
	case StructuredCompletion:
		encoded, err := json.Marshal(v.Object)
		if err != nil {
			return fmt.Errorf("llm: encode structured completion: %w", err)
		}
		raw = encoded
	case nil:
		return ErrEmptyCompletion
	default:
		return fmt.Errorf("llm: unknown completion %T", c)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	return nil
}

func findObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
