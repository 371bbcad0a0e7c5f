package model

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"peval/pkg/types"
)

// completionClient talks to a llama.cpp server over its OpenAI-compatible
// /v1/completions endpoint.
type completionClient struct {
	baseURL    string
	apiKey     string
	reqTimeout time.Duration
	http       *http.Client
	log        zerolog.Logger
}

func newCompletionClient(baseURL, apiKey string, reqTimeout time.Duration, log zerolog.Logger) *completionClient {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout stays zero: every request carries a context deadline instead.
	return &completionClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		reqTimeout: reqTimeout,
		http:       &http.Client{Transport: tr, Timeout: 0},
		log:        log,
	}
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature"`
	TopP          float32  `json:"top_p"`
	TopK          int      `json:"top_k"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
	Logprobs      int      `json:"logprobs,omitempty"`
	Stream        bool     `json:"stream"`
}

type streamChoice struct {
	Text  string `json:"text"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *types.Usage   `json:"usage"`
	// Native llama.cpp streaming fields.
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// healthy reports whether the server answers /v1/models.
func (c *completionClient) healthy(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// errExitedEarly is returned by waitReady when the server process ends
// before answering.
var errExitedEarly = errors.New("llama-server exited before ready")

// waitReady polls healthy until it succeeds, ctx ends or exited closes.
func (c *completionClient) waitReady(ctx context.Context, exited <-chan struct{}) error {
	for {
		if c.healthy(ctx, time.Second) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("llama-server not ready at %s: %w", c.baseURL, ctx.Err())
		case <-exited:
			return errExitedEarly
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *completionClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Generate streams one completion and returns the concatenated text.
func (c *completionClient) Generate(ctx context.Context, prompt string, p Params) (Result, error) {
	if c.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}
	body, err := json.Marshal(completionRequest{
		Prompt:        prompt,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		Stop:          p.Stop,
		Seed:          p.Seed,
		RepeatPenalty: p.RepeatPenalty,
		Logprobs:      p.Logprobs,
		Stream:        true,
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, runtimeError{backend: "llama-server", err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, runtimeError{backend: "llama-server", err: fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(b)))}
	}
	return c.readStream(ctx, resp.Body)
}

// readStream parses Server-Sent Events. Lines that are not data events are
// ignored; data that does not decode is logged and skipped.
func (c *completionClient) readStream(ctx context.Context, body io.Reader) (Result, error) {
	r := bufio.NewReader(body)
	var (
		text   strings.Builder
		res    Result
		chunks int
	)
	for {
		line, err := r.ReadString('\n')
		if l := strings.TrimSpace(line); strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				break
			}
			var msg streamChunk
			if e := json.Unmarshal([]byte(data), &msg); e != nil {
				c.log.Debug().Str("line", l).Msg("unknown stream line")
			} else {
				frag := msg.Content
				if len(msg.Choices) > 0 {
					ch := msg.Choices[0]
					frag = ch.Text + ch.Delta.Content
					if ch.FinishReason != nil && *ch.FinishReason != "" {
						res.FinishReason = *ch.FinishReason
					}
				}
				if frag != "" {
					text.WriteString(frag)
					chunks++
				}
				if msg.Usage != nil {
					res.Usage = *msg.Usage
				}
				if msg.Stop && res.FinishReason == "" {
					res.FinishReason = "stop"
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, runtimeError{backend: "llama-server", err: err}
		}
	}
	res.Text = text.String()
	if res.Usage.CompletionTokens == 0 {
		res.Usage.CompletionTokens = chunks
		res.Usage.TotalTokens = res.Usage.PromptTokens + chunks
	}
	return res, nil
}
