package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"karaoke/internal/cancel"
	"karaoke/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpeg = []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F'}

func newResolver(attempts int) *Resolver {
	svc := cancel.New(time.Second, logger.Discard("Cancel"))
	return NewResolver(svc, Options{Attempts: attempts, Delay: time.Millisecond})
}

func TestResolveFallsBackWhenFullSize404s(t *testing.T) {
	var fullHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v/t39/42_n.jpg":
			fullHits.Add(1)
			http.NotFound(w, r)
		case "/v/t39/s320x320/42_n.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(jpeg)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	thumb := srv.URL + "/v/t39/s320x320/42_n.jpg?oh=a&oe=b"
	ref := newResolver(3).Resolve(context.Background(), thumb)

	assert.True(t, ref.UsedFallback)
	assert.False(t, ref.Failed)
	assert.Equal(t, thumb, ref.ThumbnailURL)
	assert.Equal(t, srv.URL+"/v/t39/42_n.jpg", ref.FullsizeURL)
	assert.Equal(t, jpeg, ref.ResolvedBytes)
	assert.Equal(t, "image/jpeg", ref.MimeType)
	assert.EqualValues(t, 1, fullHits.Load(), "404 is not retried")
}

func TestResolvePrefersFullSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/flyer.png" && r.URL.RawQuery == "" {
			_, _ = w.Write(jpeg)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ref := newResolver(2).Resolve(context.Background(), srv.URL+"/img/flyer.png?w=200")
	assert.False(t, ref.UsedFallback)
	assert.Equal(t, srv.URL+"/img/flyer.png", ref.FullsizeURL)
	assert.Equal(t, "image/jpeg", ref.MimeType)
}

func TestResolveRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(jpeg)
	}))
	defer srv.Close()

	ref := newResolver(3).Resolve(context.Background(), srv.URL+"/flyer.jpg")
	require.False(t, ref.Failed)
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, srv.URL+"/flyer.jpg", ref.FullsizeURL)
	assert.False(t, ref.UsedFallback)
}

func TestResolveMarksFailedAfterAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ref := newResolver(2).Resolve(context.Background(), srv.URL+"/flyer.jpg")
	assert.True(t, ref.Failed)
	assert.Empty(t, ref.ResolvedBytes)
	assert.Contains(t, ref.Error, "no image bytes")
	assert.EqualValues(t, 2, hits.Load())
}

func TestResolveAllKeepsOrderAndSurvivesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(jpeg)
	}))
	defer srv.Close()

	urls := []string{srv.URL + "/a.jpg", srv.URL + "/bad.jpg", srv.URL + "/c.jpg"}
	refs, err := newResolver(1).ResolveAll(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	for i, u := range urls {
		assert.Equal(t, u, refs[i].ThumbnailURL)
	}
	assert.True(t, refs[1].Failed)
	assert.False(t, refs[0].Failed)
	assert.False(t, refs[2].Failed)
}

func TestResolveAllStopsAfterCancelAll(t *testing.T) {
	svc := cancel.New(time.Second, logger.Discard("Cancel"))
	r := NewResolver(svc, Options{Attempts: 1, Delay: time.Millisecond})
	svc.CancelAll(context.Background())

	_, err := r.ResolveAll(context.Background(), []string{"http://127.0.0.1:1/a.jpg"})
	assert.True(t, cancel.IsCancellation(err))
}
