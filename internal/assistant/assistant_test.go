package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmerce/flowmerce/internal/analytics"
	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/config"
)

func TestBuildPrompt(t *testing.T) {
	msgs := BuildPrompt("", &analytics.MonthStats{Month: "2025-06", OrderCount: 12, Revenue: 4500}, "  How are sales?  ")
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Role: RoleSystem, Content: DefaultSystemPrompt}, msgs[0])
	assert.Equal(t, RoleUser, msgs[1].Role)
	assert.Equal(t, "Business Data:\n"+
		"This business has made 12 orders this month, earning a total of KES 4500.00 in revenue. "+
		"The assistant should provide useful business insights and answer general questions clearly and helpfully."+
		"\n\nUser Message:\nHow are sales?", msgs[1].Content)

	msgs = BuildPrompt("Be brief.", nil, "hi")
	assert.Equal(t, "Be brief.", msgs[0].Content)
	assert.Contains(t, msgs[1].Content, "made 0 orders this month, earning a total of KES 0.00")
}

func collect(t *testing.T, c Client) (string, error) {
	t.Helper()
	var b strings.Builder
	err := c.Stream(context.Background(), BuildPrompt("", nil, "hi"), func(d string) error {
		b.WriteString(d)
		return nil
	})
	return b.String(), err
}

func TestOllamaStream(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Sales "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"look good."},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"ignored"},"done":false}`)
	}))
	defer srv.Close()

	c, err := NewClient(context.Background(), config.AssistantConfig{Provider: "ollama", BaseURL: srv.URL + "/", Model: "llama3.2"}, srv.Client())
	require.NoError(t, err)
	out, err := collect(t, c)
	require.NoError(t, err)
	assert.Equal(t, "Sales look good.", out)
	assert.Equal(t, "llama3.2", got["model"])
	assert.Equal(t, true, got["stream"])
}

func TestOllamaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"nope\" not found"}`)
	}))
	defer srv.Close()

	c, err := NewClient(context.Background(), config.AssistantConfig{Provider: "ollama", BaseURL: srv.URL, Model: "nope"}, srv.Client())
	require.NoError(t, err)
	_, err = collect(t, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `404: model "nope" not found`)
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Revenue \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"is up.\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewClient(context.Background(), config.AssistantConfig{Provider: "openai", BaseURL: srv.URL, Model: "gpt-4o-mini", APIKey: "sk-test"}, srv.Client())
	require.NoError(t, err)
	out, err := collect(t, c)
	require.NoError(t, err)
	assert.Equal(t, "Revenue is up.", out)
}

func TestOpenAIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided"}}`)
	}))
	defer srv.Close()

	c, err := NewClient(context.Background(), config.AssistantConfig{Provider: "openai", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	_, err = collect(t, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Incorrect API key provided")
}

func TestTruncatedStreams(t *testing.T) {
	tests := []struct {
		provider string
		body     string
	}{
		{"ollama", `{"message":{"content":"Half a "},"done":false}` + "\n"},
		{"openai", "data: {\"choices\":[{\"delta\":{\"content\":\"Half a \"}}]}\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, err := NewClient(context.Background(), config.AssistantConfig{Provider: tt.provider, BaseURL: srv.URL}, srv.Client())
			require.NoError(t, err)
			out, err := collect(t, c)
			assert.ErrorIs(t, err, ErrIncomplete)
			assert.Equal(t, "Half a ", out)

			// A cut-off reply is an upstream failure and uses no quota.
			quota := &fakeQuota{}
			svc := NewService(c, fakeStats{}, quota, "", nil)
			_, err = svc.Ask(context.Background(), &auth.Identity{UserID: 3}, "Sales?", nil)
			assert.ErrorIs(t, err, ErrUpstream)
			assert.Empty(t, quota.recorded)
		})
	}
}

func TestStreamStopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"a"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"b"},"done":false}`)
	}))
	defer srv.Close()

	c, err := NewClient(context.Background(), config.AssistantConfig{Provider: "ollama", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	stop := errors.New("client went away")
	calls := 0
	err = c.Stream(context.Background(), nil, func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient(context.Background(), config.AssistantConfig{Provider: "claude"}, nil)
	assert.Error(t, err)
	_, err = NewClient(context.Background(), config.AssistantConfig{Provider: "gemini"}, nil)
	assert.Error(t, err)
}

type fakeClient struct {
	deltas []string
	err    error
	got    []Message
}

func (f *fakeClient) Stream(_ context.Context, msgs []Message, fn func(string) error) error {
	f.got = msgs
	for _, d := range f.deltas {
		if err := fn(d); err != nil {
			return err
		}
	}
	return f.err
}

type fakeStats struct{}

func (fakeStats) CurrentMonth(context.Context) (*analytics.MonthStats, error) {
	return &analytics.MonthStats{Month: "2025-06", OrderCount: 3, Revenue: 900}, nil
}

type fakeQuota struct {
	err      error
	recorded []int64
}

func (q *fakeQuota) CheckAssistantQuota(context.Context, *auth.Identity) error { return q.err }

func (q *fakeQuota) RecordAssistantQuery(_ context.Context, id int64) error {
	q.recorded = append(q.recorded, id)
	return nil
}

func TestAsk(t *testing.T) {
	client := &fakeClient{deltas: []string{"You made ", "3 orders. "}}
	quota := &fakeQuota{}
	svc := NewService(client, fakeStats{}, quota, "", nil)
	caller := &auth.Identity{UserID: 7, Email: "clerk@shop.test"}

	var streamed []string
	reply, err := svc.Ask(context.Background(), caller, "How many orders?", func(d string) error {
		streamed = append(streamed, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "You made 3 orders.", reply)
	assert.Equal(t, []string{"You made ", "3 orders. "}, streamed)
	assert.Equal(t, []int64{7}, quota.recorded)
	assert.Contains(t, client.got[1].Content, "made 3 orders this month, earning a total of KES 900.00")
	assert.True(t, strings.HasSuffix(client.got[1].Content, "How many orders?"))
}

func TestAskValidation(t *testing.T) {
	svc := NewService(&fakeClient{}, fakeStats{}, nil, "", nil)
	caller := &auth.Identity{UserID: 1}

	_, err := svc.Ask(context.Background(), caller, "   ", nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	fields, ok := apperr.FieldErrors(err)
	require.True(t, ok)
	assert.Contains(t, fields, "message")

	_, err = svc.Ask(context.Background(), caller, strings.Repeat("x", maxMessageLen+1), nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Ask(context.Background(), nil, "hi", nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestAskQuotaAndUpstream(t *testing.T) {
	quota := &fakeQuota{err: apperr.ErrForbidden}
	svc := NewService(&fakeClient{deltas: []string{"x"}}, fakeStats{}, quota, "", nil)
	_, err := svc.Ask(context.Background(), &auth.Identity{UserID: 2}, "hi", nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Empty(t, quota.recorded)

	quota = &fakeQuota{}
	svc = NewService(&fakeClient{err: errors.New("connection refused")}, fakeStats{}, quota, "", nil)
	_, err = svc.Ask(context.Background(), &auth.Identity{UserID: 2}, "hi", nil)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Empty(t, quota.recorded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err = svc.Ask(ctx, &auth.Identity{UserID: 2}, "hi", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
