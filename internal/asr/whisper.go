package asr

import (
	"bytes"
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Whisper calls the hosted Whisper API.
type Whisper struct {
	client *openai.Client
	model  string
}

// NewWhisper constructs a Whisper transcriber.
func NewWhisper(apiKey, model string) *Whisper {
	if model == "" {
		model = openai.Whisper1
	}
	return &Whisper{client: openai.NewClient(apiKey), model: model}
}

func (w *Whisper) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		Reader:   bytes.NewReader(audio),
		FilePath: "combined.mp3",
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription: %w", err)
	}
	out := &Transcript{Text: resp.Text}
	for _, seg := range resp.Segments {
		out.Segments = append(out.Segments, Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  seg.Text,
		})
	}
	return out, nil
}
