package ai

import "context"

// Generation is one model completion plus its token accounting, which the
// pipeline records in the interaction ledger.
type Generation struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// TextGenerator produces text from a system prompt and user prompt. The
// normalizer treats it as a black box: structured text in, structured
// output back, within the caller's context deadline.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (Generation, error)
}
