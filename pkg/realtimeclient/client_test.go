package realtimeclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func fastConfig(url string, log *stateLog) Config {
	return Config{
		URL:             url,
		Token:           "tok",
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		OnState:         log.record,
	}
}

func writeFrame(w http.ResponseWriter, body string) {
	fmt.Fprintf(w, "data:%s\n\n", body)
	w.(http.Flusher).Flush()
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	log := &stateLog{}
	err := New(fastConfig(srv.URL, log)).Run(context.Background(), func(Frame) {})

	assert.ErrorIs(t, err, ErrGaveUp)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, []State{StateConnecting, StateReconnecting, StateOffline}, log.all())
}

func TestUnauthorizedStopsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := New(fastConfig(srv.URL, &stateLog{})).Run(context.Background(), func(Frame) {})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrGaveUp)
	assert.EqualValues(t, 1, hits.Load())
}

func TestReconnectsAfterDrop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		n := hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, fmt.Sprintf(`{"type":"connected","timestamp":1,"connectionId":"c%d"}`, n))
		if n == 1 {
			writeFrame(w, `{not json}`)
			writeFrame(w, `{"type":"new_question","data":{"id":"q1"},"timestamp":2}`)
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var frames []Frame
	log := &stateLog{}
	done := make(chan error, 1)
	go func() {
		done <- New(fastConfig(srv.URL, log)).Run(ctx, func(f Frame) {
			mu.Lock()
			frames = append(frames, f)
			if f.ConnectionID == "c2" {
				cancel()
			}
			mu.Unlock()
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 3)
	assert.Equal(t, "c1", frames[0].ConnectionID)
	assert.Equal(t, "new_question", frames[1].Type)
	assert.JSONEq(t, `{"id":"q1"}`, string(frames[1].Data))
	assert.Equal(t, "c2", frames[2].ConnectionID)

	assert.Equal(t, []State{
		StateConnecting, StateOnline, StateReconnecting, StateOnline, StateOffline,
	}, log.all())
}
