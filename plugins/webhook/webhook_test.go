package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonsky/murmur/conversation"
	"github.com/halcyonsky/murmur/dispatch"
)

func newEvent(commands ...conversation.Command) *dispatch.Event {
	c := conversation.NewCtx("meta-1", "input")
	return dispatch.NewEvent(c, commands)
}

func TestHandlePostsEachCommand(t *testing.T) {
	var received []RequestPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload RequestPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received = append(received, payload)
		_ = json.NewEncoder(w).Encode(ResponsePayload{Output: "done " + payload.Command.Name})
	}))
	defer srv.Close()

	p := New(srv.URL)
	ev := newEvent(
		conversation.Command{Name: "note_add"},
		conversation.Command{Name: "note_list"},
	)
	require.NoError(t, p.Handle(context.Background(), ev))

	require.Len(t, received, 2)
	results := ev.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "done note_add", results[0].Output)
	assert.Equal(t, "done note_list", results[1].Output)
	assert.Empty(t, results[0].Error)
}

func TestHandleRecordsErrorResultAndContinues(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ResponsePayload{Output: "ok"})
	}))
	defer srv.Close()

	p := New(srv.URL)
	ev := newEvent(
		conversation.Command{Name: "broken"},
		conversation.Command{Name: "fine"},
	)
	require.NoError(t, p.Handle(context.Background(), ev))

	results := ev.Results()
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].Error)
	assert.Equal(t, "ok", results[1].Output)
}

func TestHandleServerErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ResponsePayload{Code: 42, Error: "not allowed"})
	}))
	defer srv.Close()

	p := New(srv.URL)
	ev := newEvent(conversation.Command{Name: "forbidden"})
	require.NoError(t, p.Handle(context.Background(), ev))

	results := ev.Results()
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, "error code 42")
}

func TestHandleHonorsStopFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected after stop")
	}))
	defer srv.Close()

	p := New(srv.URL)
	ev := newEvent(conversation.Command{Name: "never"})
	ev.RequestStop()
	require.NoError(t, p.Handle(context.Background(), ev))
	assert.Empty(t, ev.Results())
}
