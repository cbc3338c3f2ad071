package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScorePhoto(t *testing.T) {
	var gotRef string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analyze", r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotRef = body["image_url"]
		_, _ = w.Write([]byte(`{"quality":0.734,"faces_detected":1,"hash":"abc123"}`))
	}))
	defer srv.Close()

	a, err := New(srv.URL, false).ScorePhoto(context.Background(), "photos/s1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "photos/s1.jpg", gotRef)
	assert.Equal(t, 73, a.QualityScore)
	assert.True(t, a.HasFace)
	assert.Equal(t, "abc123", a.Hash)
}

func TestScorePhotoErrors(t *testing.T) {
	status := http.StatusBadGateway
	payload := `{"quality":1.7}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()
	c := New(srv.URL, false)

	_, err := c.ScorePhoto(context.Background(), "p")
	assert.ErrorContains(t, err, "502")

	status = http.StatusOK
	_, err = c.ScorePhoto(context.Background(), "p")
	assert.ErrorContains(t, err, "outside 0..1")

	_, err = c.ScorePhoto(context.Background(), "")
	assert.Error(t, err)
}

func TestSkipMode(t *testing.T) {
	c := New("http://unused.invalid", true)
	a, err := c.ScorePhoto(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 85, a.QualityScore)
	assert.NoError(t, c.Health(context.Background()))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	assert.ErrorContains(t, New(srv.URL, false).Health(context.Background()), "unhealthy")
}
