package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPScraper_ScrapeDecodesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"address":"1.1.1.1","port":1080,"protocol":"socks5","latency":0.1,"country":"US","anonymity":"elite"}]`))
	}))
	defer srv.Close()

	hs := HTTPScraper{URL: srv.URL}
	raw, err := hs.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, "1.1.1.1", raw[0].Address)
}

func TestHTTPScraper_UnreachableSourceErrors(t *testing.T) {
	hs := HTTPScraper{URL: "http://127.0.0.1:1"}
	_, err := hs.Scrape(context.Background())
	assert.Error(t, err)
}

func TestHTTPScraper_NonOKStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hs := HTTPScraper{URL: srv.URL}
	_, err := hs.Scrape(context.Background())
	assert.Error(t, err)
}
