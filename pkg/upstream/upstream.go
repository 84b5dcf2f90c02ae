// Package upstream adapts token-streaming generation backends to a pull
// iterator consumed by the stream relay and the agent runner.
package upstream

import (
	"context"
	"io"
)

// Request is one generation call. History is oldest first.
type Request struct {
	SessionID string
	Prompt    string
	System    string
	History   []Message
	Model     string
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one increment of generated text. Metadata, when set, is relayed
// separately from content. The chunk with Final set carries the trailing
// metadata and ends the stream.
type Chunk struct {
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TokensUsed int            `json:"tokens_used,omitempty"`
	Final      bool           `json:"final"`
}

// ChunkIterator yields chunks until it returns io.EOF. Close releases the
// underlying stream and may be called at any point.
type ChunkIterator interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

type Generator interface {
	Stream(ctx context.Context, req Request) (ChunkIterator, error)
}

// SliceIterator replays a fixed list of chunks, optionally failing with Err
// once they are used up.
type SliceIterator struct {
	Chunks []Chunk
	Err    error
	pos    int
}

func (it *SliceIterator) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if it.pos >= len(it.Chunks) {
		if it.Err != nil {
			return Chunk{}, it.Err
		}
		return Chunk{}, io.EOF
	}
	chunk := it.Chunks[it.pos]
	it.pos++
	return chunk, nil
}

func (it *SliceIterator) Close() error { return nil }

// GeneratorFunc lets a plain function act as a Generator.
type GeneratorFunc func(ctx context.Context, req Request) (ChunkIterator, error)

func (f GeneratorFunc) Stream(ctx context.Context, req Request) (ChunkIterator, error) {
	return f(ctx, req)
}
