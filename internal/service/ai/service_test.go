package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pachat/internal/config"
	"pachat/internal/models"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type fakeChatModel struct {
	reply     *schema.Message
	err       error
	tools     []*schema.ToolInfo
	lastInput []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.lastInput = input
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if f.err != nil {
		return nil, f.err
	}
	return schema.StreamReaderFromArray([]*schema.Message{f.reply}), nil
}

func (f *fakeChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	bound := *f
	bound.tools = tools
	return &bound, nil
}

var branchShape = Shape{
	Name:    "classify_question",
	Field:   "question_type",
	Options: []string{"data_query", "general_qa"},
}

func TestCompleteStructuredReadsToolCall(t *testing.T) {
	fake := &fakeChatModel{reply: &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			Function: schema.FunctionCall{Name: "classify_question", Arguments: `{"question_type":"DATA_QUERY"}`},
		}},
	}}
	client := NewClient("fake", fake)
	got, err := client.CompleteStructured(context.Background(), []*schema.Message{schema.UserMessage("hi")}, branchShape)
	if err != nil {
		t.Fatalf("complete structured: %v", err)
	}
	if len(got) != 1 || got[0] != "data_query" {
		t.Fatalf("unexpected values: %v", got)
	}
}

func TestCompleteStructuredFallsBackToContentJSON(t *testing.T) {
	fake := &fakeChatModel{reply: &schema.Message{
		Role:    schema.Assistant,
		Content: "Sure: {\"tables\": [\"window_activity\", \"bogus\", \"window_activity\"]}",
	}}
	shape := Shape{Name: "select_tables", Field: "tables", Options: []string{"window_activity", "usage_data"}, Multiple: true}
	got, err := NewClient("fake", fake).CompleteStructured(context.Background(), nil, shape)
	if err != nil {
		t.Fatalf("complete structured: %v", err)
	}
	if len(got) != 1 || got[0] != "window_activity" {
		t.Fatalf("expected unknown and duplicate names dropped, got %v", got)
	}
}

func TestCompleteStructuredRejectsEmptySingleValue(t *testing.T) {
	fake := &fakeChatModel{reply: &schema.Message{Role: schema.Assistant, Content: `{"question_type":"other"}`}}
	_, err := NewClient("fake", fake).CompleteStructured(context.Background(), nil, branchShape)
	if !errors.Is(err, ErrNoStructuredValue) {
		t.Fatalf("expected ErrNoStructuredValue, got %v", err)
	}
}

func TestCompletePropagatesModelError(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("quota exceeded")}
	if _, err := NewClient("fake", fake).Complete(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Fatalf("expected wrapped model error, got %v", err)
	}
}

func TestRenderEnrichPromptIncludesHistoryAndTime(t *testing.T) {
	history := ConvertMessages([]models.Message{
		{Role: models.RoleHuman, Content: "what did I do on monday?"},
		{Role: models.RoleAI, Content: "mostly coding"},
	})
	messages, err := Render(context.Background(), PromptEnrich, map[string]any{
		"current_time": "2024-05-06T10:00:00Z",
		"history":      history,
		"question":     "and on that day after lunch?",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected system, two history messages and question, got %d", len(messages))
	}
	if !strings.Contains(messages[0].Content, "2024-05-06T10:00:00Z") {
		t.Fatalf("current time not substituted: %q", messages[0].Content)
	}
	if messages[1].Role != schema.User || messages[2].Role != schema.Assistant {
		t.Fatalf("history roles not converted: %v %v", messages[1].Role, messages[2].Role)
	}
}

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	if _, err := NewChatModel(context.Background(), "mystery", config.ProviderConfig{Model: "m"}); err == nil {
		t.Fatalf("expected invalid provider error")
	}
}

