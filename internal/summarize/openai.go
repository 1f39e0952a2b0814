package summarize

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultTemplate = `You are a clinical documentation assistant. Turn the
dictated transcript into a structured note with the sections: Subjective,
Objective, Assessment, Plan. Keep the clinician's wording where possible and
do not invent findings.`

// OpenAI generates notes through the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI constructs an OpenAI summarizer.
func NewOpenAI(apiKey, model string) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: openai.NewClient(apiKey), model: model}
}

func (o *OpenAI) Summarize(ctx context.Context, transcript, template string) (string, error) {
	if strings.TrimSpace(template) == "" {
		template = defaultTemplate
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: template},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize transcript: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarize transcript: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}
