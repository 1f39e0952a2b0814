// Package transcode converts assembled chunk audio into the canonical
// distribution format.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Transcoder turns a concatenated audio stream into the canonical format.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte) ([]byte, error)
	// Ext is the file extension of the output format, without the dot.
	Ext() string
}

// FFmpeg shells out to ffmpeg to produce mp3 output. Chunk containers
// (webm/opus) concatenate cleanly enough for ffmpeg to decode the joined
// stream in one pass.
type FFmpeg struct {
	Path string
}

// NewFFmpeg builds an FFmpeg transcoder; path defaults to "ffmpeg".
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path}
}

func (f *FFmpeg) Transcode(ctx context.Context, data []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.Path,
		"-y",
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-qscale:a", "2",
		"-f", "mp3",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg transcode: %w: %s", err, stderr.String())
	}
	return out.Bytes(), nil
}

func (f *FFmpeg) Ext() string { return "mp3" }

// Passthrough returns the concatenated stream unchanged. Tests use it so
// combine output can be compared byte-for-byte against the input chunks.
type Passthrough struct{}

func (Passthrough) Transcode(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return data, nil
}

func (Passthrough) Ext() string { return "webm" }
