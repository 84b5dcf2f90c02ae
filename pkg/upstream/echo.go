package upstream

import (
	"context"
	"strings"
)

// EchoGenerator answers with the prompt split into word chunks. It is the
// default backend when no upstream URL is configured.
type EchoGenerator struct {
	Prefix string
}

func (g EchoGenerator) Stream(ctx context.Context, req Request) (ChunkIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := g.Prefix + req.Prompt
	words := strings.SplitAfter(text, " ")
	chunks := make([]Chunk, 0, len(words)+1)
	for _, word := range words {
		if word == "" {
			continue
		}
		chunks = append(chunks, Chunk{Content: word})
	}
	chunks = append(chunks, Chunk{
		Final:      true,
		TokensUsed: len(words),
		Metadata:   map[string]any{"model": "echo"},
	})
	return &SliceIterator{Chunks: chunks}, nil
}
