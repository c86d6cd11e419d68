package readiness

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForHTTP_ReadyOnFirstSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("203.0.113.7"))
	}))
	defer srv.Close()

	ok := WaitForHTTP(context.Background(), srv.URL, Options{Interval: 10 * time.Millisecond, Timeout: 5 * time.Second})
	assert.True(t, ok)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "stops polling on the first success")
}

func TestWaitForHTTP_TimeoutBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	interval, timeout := 50*time.Millisecond, 300*time.Millisecond
	start := time.Now()
	ok := WaitForHTTP(context.Background(), srv.URL, Options{Interval: interval, Timeout: timeout})
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, timeout)
	// generous slack for slow CI machines
	assert.Less(t, elapsed, timeout+interval+500*time.Millisecond)
}

func TestWaitForHTTP_HangingServerBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	ok := WaitForHTTP(context.Background(), srv.URL, Options{Interval: 100 * time.Millisecond, Timeout: 200 * time.Millisecond})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForHTTP_CustomAccept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ok := WaitForHTTP(context.Background(), srv.URL, Options{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Accept:   func(status int) bool { return status < 500 },
	})
	assert.True(t, ok)
}

func TestWaitForHTTP_RedirectIsReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/users/sign_in", http.StatusFound)
	}))
	defer srv.Close()

	ok := WaitForHTTP(context.Background(), srv.URL, Options{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Accept:   func(status int) bool { return status < 400 },
	})
	assert.True(t, ok)
}

func TestWaitForHTTP_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, WaitForHTTP(ctx, "http://127.0.0.1:1", Options{Interval: 10 * time.Millisecond, Timeout: time.Second}))
}

func TestWaitForTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	assert.True(t, WaitForTCP(context.Background(), ln.Addr().String(), Options{Interval: 10 * time.Millisecond, Timeout: time.Second}))
}
