package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hikugen/internal/config"
)

func TestFetch(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><h1 class="title">Widget</h1></body></html>`))
	}))
	defer srv.Close()

	page, err := New(5*time.Second, "hikugen-test", 1024).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, page, `<h1 class="title">Widget</h1>`)
	assert.Equal(t, "hikugen-test", gotUA)
}

func TestFetchDecodesLatin1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte("<p>caf\xe9</p>"))
	}))
	defer srv.Close()

	page, err := New(5*time.Second, "", 1024).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, page, "café")
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
		errText string
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			errText: "status 404",
		},
		{
			name: "too large",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte("<p>" + strings.Repeat("x", 200) + "</p>"))
			},
			wantErr: ErrTooLarge,
		},
		{
			name: "binary content",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
			},
			wantErr: ErrNotHTML,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := New(5*time.Second, "", 100).Fetch(context.Background(), srv.URL)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errText != "" {
				assert.Contains(t, err.Error(), tt.errText)
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := New(100*time.Millisecond, "", 1024).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	f := FromConfig(cfg)
	assert.Equal(t, "hikugen/1.0", f.userAgent)
	assert.Equal(t, int64(10<<20), f.maxBytes)
	assert.Equal(t, 30*time.Second, f.client.Timeout)
}
