package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/docchat/protocol"
)

func ndjsonHandler(t *testing.T, lines ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func TestOpenTurnStreamReadsFrames(t *testing.T) {
	var gotAuth string
	var gotBody protocol.TurnRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/sessions/sess-1/stream", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		ndjsonHandler(t,
			`{"type":"token","value":"He"}`,
			``,
			`{"type":"somethingnew","x":1}`,
			`{"type":"token","value":"llo"}`,
			`{"type":"done","tokensUsed":5}`,
		)(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok-1"))
	stream, err := c.OpenTurnStream(context.Background(), "sess-1", protocol.TurnRequest{Content: "hi", Mode: protocol.TurnModeMessage})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "hi", gotBody.Content)

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.TokenEvent{Type: "token", Value: "He"}, ev)

	// Blank lines and unknown kinds are skipped, not errors.
	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.TokenEvent{Type: "token", Value: "llo"}, ev)

	ev, err = stream.Next()
	require.NoError(t, err)
	done, ok := ev.(protocol.DoneEvent)
	require.True(t, ok)
	assert.Equal(t, 5, done.TokensUsed)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenTurnStreamMalformedFrame(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(t, `{not json`))
	defer srv.Close()

	c := NewClient(srv.URL)
	stream, err := c.OpenTurnStream(context.Background(), "sess-1", protocol.TurnRequest{Content: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	assert.Error(t, err)
}

func TestOpenTurnStreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.OpenTurnStream(context.Background(), "missing", protocol.TurnRequest{Content: "hi"})
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Code)
	assert.Contains(t, serr.Body, "session not found")
}

func TestCloseUnblocksNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"type":"token","value":"x"}`)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	stream, err := c.OpenTurnStream(context.Background(), "sess-1", protocol.TurnRequest{Content: "hi"})
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		stream.Close()
	}()

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIdleTimeoutSurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"type":"token","value":"x"}`)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithIdleTimeout(30*time.Millisecond))
	stream, err := c.OpenTurnStream(context.Background(), "sess-1", protocol.TurnRequest{Content: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.NoError(t, err)

	_, err = stream.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "idle")
}

func TestResume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/sess-1/resume", r.URL.Path)
		var req protocol.ResumeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Contains(t, req.Resume.Approvals, "tc-1")
		assert.True(t, req.Resume.Approvals["tc-1"].Approved)

		json.NewEncoder(w).Encode(protocol.ResumeResponse{Success: true, Status: "resumed"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Resume(context.Background(), protocol.ResumeRequest{
		SessionID: "sess-1",
		Resume: protocol.ResumePayload{
			Approvals: map[string]protocol.ApprovalDecision{"tc-1": {Approved: true}},
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "resumed", resp.Status)
}

func TestResumeStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "turn is not interrupted", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Resume(context.Background(), protocol.ResumeRequest{SessionID: "sess-1"})
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusConflict, serr.Code)
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/sessions", r.URL.Path)
		json.NewEncoder(w).Encode(SessionInfo{ID: "sess-9", Title: "notes"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	info, err := c.CreateSession(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, "sess-9", info.ID)
	assert.Equal(t, "notes", info.Title)
}

func TestCreateSessionMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CreateSession(context.Background(), "")
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL).Health(context.Background()))
}
