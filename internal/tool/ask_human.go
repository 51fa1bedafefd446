package tool

import (
	"context"
	"log/slog"
)

// Asker posts a question and blocks for the human's answer.
type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
}

// AskHumanTool exposes an Asker as the ask_human tool.
type AskHumanTool struct {
	asker  Asker
	logger *slog.Logger
}

func NewAskHumanTool(asker Asker, logger *slog.Logger) *AskHumanTool {
	return &AskHumanTool{asker: asker, logger: logger}
}

func (t *AskHumanTool) Name() string { return "ask_human" }

func (t *AskHumanTool) Description() string {
	return "Ask the configured human a question in the team chat and wait for their threaded reply. " +
		"Returns the reply text. Fails if no reply arrives within the timeout."
}

func (t *AskHumanTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"question": {Type: "string", Description: "The question to ask, as plain text"},
	}, []string{"question"})
}

func (t *AskHumanTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	question, err := RequireString(args, "question")
	if err != nil {
		return "", err
	}
	t.logger.Debug("ask_human called", "len", len(question))
	return t.asker.Ask(ctx, question)
}
