package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/xraph/tally"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	baseURL string
	keys    func() string
	client  *http.Client
	logger  *slog.Logger
	tries   uint
}

// OpenAIOption configures an OpenAI client.
type OpenAIOption func(*OpenAI)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAI) { o.client = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OpenAIOption {
	return func(o *OpenAI) { o.logger = logger }
}

// WithConnectRetries sets how many times a request is attempted when the
// endpoint answers 429 or 5xx before streaming begins.
func WithConnectRetries(n uint) OpenAIOption {
	return func(o *OpenAI) { o.tries = n }
}

// NewOpenAI creates a client. keys is called once per request so a
// rotating key pool can spread load across keys.
func NewOpenAI(baseURL string, keys func() string, opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		keys:    keys,
		client:  &http.Client{},
		logger:  slog.Default(),
		tries:   3,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   float64        `json:"temperature"`
	Stream        bool           `json:"stream"`
	StreamOptions map[string]any `json:"stream_options,omitempty"`
}

// Stream implements Provider.
func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	body, err := json.Marshal(chatRequest{
		Model:         req.Model,
		Messages:      []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: map[string]any{"include_usage": true},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %w", tally.ErrProvider, err)
	}

	key := req.APIKey
	if key == "" && o.keys != nil {
		key = o.keys()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		return o.post(ctx, key, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(o.tries))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tally.ErrProvider, err)
	}

	events := make(chan Event)
	go o.read(ctx, resp.Body, events)
	return events, nil
}

func (o *OpenAI) post(ctx context.Context, key string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // best effort
	detail := gjson.GetBytes(msg, "error.message").String()
	if detail == "" {
		detail = strings.TrimSpace(string(msg))
	}
	err = fmt.Errorf("status %d: %s", resp.StatusCode, detail)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		o.logger.Warn("provider request failed, retrying", "status", resp.StatusCode)
		return nil, err
	}
	return nil, backoff.Permanent(err)
}

// read turns the server-sent event stream into Events.
func (o *OpenAI) read(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, dataPrefix)
		if data == doneMarker {
			return
		}
		if !gjson.Valid(data) {
			send(Event{Err: fmt.Errorf("%w: malformed stream chunk", tally.ErrProvider)})
			return
		}

		chunk := gjson.Parse(data)
		if msg := chunk.Get("error.message"); msg.Exists() {
			send(Event{Err: fmt.Errorf("%w: %s", tally.ErrProvider, msg.String())})
			return
		}
		if text := chunk.Get("choices.0.delta.content").String(); text != "" {
			if !send(Event{Text: text}) {
				return
			}
		}
		if u := chunk.Get("usage"); u.IsObject() {
			usage := &Usage{
				PromptTokens:     int(u.Get("prompt_tokens").Int()),
				CompletionTokens: int(u.Get("completion_tokens").Int()),
			}
			if !send(Event{Usage: usage}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(Event{Err: fmt.Errorf("%w: read stream: %w", tally.ErrProvider, err)})
	}
}
