package provider_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/xraph/tally"
	"github.com/xraph/tally/provider"
)

func collect(t *testing.T, events <-chan provider.Event) (text string, usage *provider.Usage, err error) {
	t.Helper()
	for ev := range events {
		switch {
		case ev.Err != nil:
			err = ev.Err
		case ev.Usage != nil:
			usage = ev.Usage
		default:
			text += ev.Text
		}
	}
	return text, usage, err
}

func TestOpenAIStream(t *testing.T) {
	var gotKey, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotKey = r.Header.Get("Authorization")
		gotPrompt = gjson.GetBytes(body, "messages.0.content").String()
		assert.True(t, gjson.GetBytes(body, "stream").Bool())

		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hello", ", ", "world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := provider.NewOpenAI(srv.URL+"/v1/", func() string { return "sk-test" })
	events, err := client.Stream(context.Background(), provider.Request{Model: "gpt-4o", Prompt: "summarize\n\ntext"})
	require.NoError(t, err)

	text, usage, err := collect(t, events)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.PromptTokens)
	assert.Equal(t, 3, usage.CompletionTokens)
	assert.Equal(t, "Bearer sk-test", gotKey)
	assert.Equal(t, "summarize\n\ntext", gotPrompt)
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	client := provider.NewOpenAI(srv.URL, func() string { return "k" })
	events, err := client.Stream(context.Background(), provider.Request{Model: "gpt-4o", Prompt: "x"})
	require.NoError(t, err)

	text, _, err := collect(t, events)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	client := provider.NewOpenAI(srv.URL, func() string { return "k" })
	_, err := client.Stream(context.Background(), provider.Request{Model: "gpt-4o", Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, tally.ErrProvider)
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\"}}\n\n")
	}))
	defer srv.Close()

	client := provider.NewOpenAI(srv.URL, func() string { return "k" })
	events, err := client.Stream(context.Background(), provider.Request{Model: "gpt-4o", Prompt: "x"})
	require.NoError(t, err)

	text, _, err := collect(t, events)
	assert.Equal(t, "par", text)
	assert.ErrorIs(t, err, tally.ErrProvider)
}
