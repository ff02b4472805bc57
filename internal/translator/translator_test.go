package translator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/transqueue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(Permanent(base)))
	assert.False(t, IsTransient(base), "unclassified errors are permanent")
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(fmtWrap(Transient(base))))
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}

func fmtWrap(err error) error { return errors.Join(errors.New("outer"), err) }

func TestStub(t *testing.T) {
	s := NewStub()
	resp, err := s.Translate(context.Background(), Request{
		Index:     3,
		Text:      " hello ",
		Languages: types.LanguagePair{Source: "en", Target: "fr"},
	})
	require.NoError(t, err)
	assert.Equal(t, "[fr] hello", resp.Text)
	assert.Equal(t, 1.0, resp.Quality)
	assert.Equal(t, 1, s.Calls(3))
	assert.Equal(t, 1, s.TotalCalls())
}

func TestStub_Script(t *testing.T) {
	s := NewStub()
	s.Script = func(req Request) (*Response, error) {
		if req.Index == 1 {
			return nil, Permanent(errors.New("rejected"))
		}
		return nil, nil
	}

	_, err := s.Translate(context.Background(), Request{Index: 1})
	require.Error(t, err)
	assert.False(t, IsTransient(err))

	_, err = s.Translate(context.Background(), Request{Index: 2})
	assert.NoError(t, err)
}

func TestHTTP_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unprocessable", http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
			require.NoError(t, err)

			_, err = h.Translate(context.Background(), Request{Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestHTTP_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req httpRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(httpResponse{Text: "bonjour " + req.Text, Quality: 0.9})
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	resp, err := h.Translate(context.Background(), Request{
		Text:      "world",
		Languages: types.LanguagePair{Source: "en", Target: "fr"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bonjour world", resp.Text)
	assert.InDelta(t, 0.9, resp.Quality, 1e-9)
}

func TestNewHTTP_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	assert.Error(t, err)
}

func TestRateLimited(t *testing.T) {
	stub := NewStub()
	assert.Same(t, Translator(stub), NewRateLimited(stub, 0, 0))

	limited := NewRateLimited(stub, 1, 1)

	_, err := limited.Translate(context.Background(), Request{Index: 0})
	require.NoError(t, err)

	// the bucket is empty now; a short deadline cannot be met
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.Translate(ctx, Request{Index: 1})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 0, stub.Calls(1))
}
