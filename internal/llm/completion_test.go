package llm

import (
	"encoding/json"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	text, err := ExtractText(TextCompletion{Text: "  SCHEDULE \n"})
	require.NoError(t, err)
	assert.Equal(t, "SCHEDULE", text)

	text, err = ExtractText(StructuredCompletion{Object: map[string]any{"a": 1.0}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, text)

	_, err = ExtractText(ToolCallCompletion{Name: "book"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)

	_, err = ExtractText(TextCompletion{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyCompletion)

	_, err = ExtractText(nil)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestExtractJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name string
		in   Completion
		want string
	}{
		{"fenced text", TextCompletion{Text: "```json\n{\"name\": \"Jane\"}\n```"}, "Jane"},
		{"tool call", ToolCallCompletion{Name: "x", Arguments: json.RawMessage(`{"name":"Ana"}`)}, "Ana"},
		{"structured", StructuredCompletion{Object: map[string]any{"name": "Rui"}}, "Rui"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p payload
			require.NoError(t, ExtractJSON(tt.in, &p))
			assert.Equal(t, tt.want, p.Name)
		})
	}

	var p payload
	assert.ErrorIs(t, ExtractJSON(TextCompletion{Text: "no object here"}, &p), ErrNoJSON)
	assert.ErrorIs(t, ExtractJSON(TextCompletion{Text: "{broken"}, &p), ErrNoJSON)
	assert.ErrorIs(t, ExtractJSON(ToolCallCompletion{Name: "x"}, &p), ErrNoJSON)
}

func TestGeminiCompletion(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("Hello "), genai.Text("there")}},
		}},
	}
	out, err := geminiCompletion(resp)
	require.NoError(t, err)
	text, err := ExtractText(out)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)

	resp = &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.FunctionCall{Name: "classify", Args: map[string]any{"intent": "QUERY"}},
			}},
		}},
	}
	out, err = geminiCompletion(resp)
	require.NoError(t, err)
	call, ok := out.(ToolCallCompletion)
	require.True(t, ok)
	assert.Equal(t, "classify", call.Name)
	assert.JSONEq(t, `{"intent":"QUERY"}`, string(call.Arguments))

	_, err = geminiCompletion(&genai.GenerateContentResponse{})
	assert.Error(t, err)
}

func TestGeminiHistorySkipsEmpty(t *testing.T) {
	history := geminiHistory([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: " "},
		{Role: RoleAssistant, Content: "hello"},
	})
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
}
