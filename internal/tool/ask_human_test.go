package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAsker struct {
	asked  []string
	answer string
	err    error
}

func (f *fakeAsker) Ask(ctx context.Context, question string) (string, error) {
	f.asked = append(f.asked, question)
	return f.answer, f.err
}

func TestAskHumanTool_ReturnsAnswer(t *testing.T) {
	asker := &fakeAsker{answer: "it's abc123"}
	reg := NewRegistry(testLogger())
	reg.Register(NewAskHumanTool(asker, testLogger()))

	got, err := reg.Execute(context.Background(), "ask_human", map[string]any{"question": "What's the API key?"})
	require.NoError(t, err)
	assert.Equal(t, "it's abc123", got)
	assert.Equal(t, []string{"What's the API key?"}, asker.asked)
}

func TestAskHumanTool_InvalidArgsNeverAsk(t *testing.T) {
	asker := &fakeAsker{}
	tool := NewAskHumanTool(asker, testLogger())

	_, err := tool.Execute(context.Background(), map[string]any{})
	require.ErrorIs(t, err, ErrInvalidArgs)
	_, err = tool.Execute(context.Background(), map[string]any{"question": 7.0})
	require.ErrorIs(t, err, ErrInvalidArgs)
	assert.Empty(t, asker.asked)
}

func TestAskHumanTool_PropagatesAskError(t *testing.T) {
	boom := errors.New("timed out waiting for reply")
	tool := NewAskHumanTool(&fakeAsker{err: boom}, testLogger())

	_, err := tool.Execute(context.Background(), map[string]any{"question": "ship it?"})
	assert.ErrorIs(t, err, boom)
}

func TestAskHumanTool_Schema(t *testing.T) {
	tool := NewAskHumanTool(&fakeAsker{}, testLogger())
	schema := tool.Parameters()

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"question"}, schema["required"])
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "question")
	assert.Equal(t, "ask_human", tool.Name())
	assert.NotEmpty(t, tool.Description())
}
