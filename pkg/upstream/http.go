package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowforge/gateway/pkg/config"
	"github.com/flowforge/gateway/pkg/model"
)

const maxLineSize = 1 << 20

// HTTPGenerator posts the request to a generation service that answers with
// newline-delimited JSON chunks.
type HTTPGenerator struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewHTTPGenerator(cfg config.UpstreamConfig) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		// Stream deadlines come from the caller's context.
		client: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}},
	}
}

type generateRequest struct {
	Model    string    `json:"model,omitempty"`
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

func (g *HTTPGenerator) Stream(ctx context.Context, req Request) (ChunkIterator, error) {
	body := generateRequest{
		Model:    req.Model,
		System:   req.System,
		Messages: append(append([]Message(nil), req.History...), Message{Role: "user", Content: req.Prompt}),
		Stream:   true,
	}
	if body.Model == "" {
		body.Model = g.model
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", model.ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &ndjsonIterator{body: resp.Body, scanner: scanner}, nil
}

type ndjsonIterator struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (it *ndjsonIterator) Next(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		if !it.scanner.Scan() {
			if err := it.scanner.Err(); err != nil {
				return Chunk{}, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
			}
			return Chunk{}, io.EOF
		}

		line := bytes.TrimSpace(it.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Chunk{}, fmt.Errorf("%w: malformed chunk: %v", model.ErrUpstreamUnavailable, err)
		}
		return chunk, nil
	}
}

func (it *ndjsonIterator) Close() error {
	return it.body.Close()
}
