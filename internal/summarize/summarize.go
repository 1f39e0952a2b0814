// Package summarize wraps the note-generation collaborator: transcript plus
// template in, structured clinical note out.
package summarize

import "context"

// Summarizer produces a structured note from a transcript. template selects
// the note layout; empty means the implementation's default.
type Summarizer interface {
	Summarize(ctx context.Context, transcript, template string) (string, error)
}
