package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/internal/llm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemanticScholarSearch(t *testing.T) {
	var pdfURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/graph/v1/paper/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dark matter", r.URL.Query().Get("query"))
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		json.NewEncoder(w).Encode(map[string]any{
			"total": 2,
			"data": []map[string]any{
				{
					"paperId":       "p1",
					"title":         "Halo Dynamics",
					"year":          2021,
					"venue":         "ApJ",
					"authors":       []map[string]string{{"name": "Vera Rubin"}},
					"externalIds":   map[string]any{"DOI": "10.1/halo", "CorpusId": 42},
					"openAccessPdf": map[string]string{"url": pdfURL},
				},
				{"paperId": "p2", "title": "Closed Access", "openAccessPdf": nil},
			},
		})
	})
	mux.HandleFunc("/halo.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.7 body"))
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>paywall</html>"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	pdfURL = server.URL + "/halo.pdf"

	s := NewSemanticScholarSearcher(server.URL, "secret", 0)
	got, err := s.Search(t.Context(), "dark matter", 3)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, Candidate{
		ID:      "p1",
		Title:   "Halo Dynamics",
		Authors: []string{"Vera Rubin"},
		Venue:   "ApJ",
		Year:    2021,
		DOI:     "10.1/halo",
		PDFURL:  pdfURL,
	}, got[0])

	data, err := s.Download(t.Context(), got[0])
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(data))

	_, err = s.Download(t.Context(), Candidate{Title: "x", PDFURL: server.URL + "/page.html"})
	assert.ErrorContains(t, err, "not a pdf")

	_, err = s.Download(t.Context(), Candidate{Title: "x", PDFURL: server.URL + "/missing.pdf"})
	assert.ErrorContains(t, err, "status 404")
}

func TestSemanticScholarSearch_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	_, err := NewSemanticScholarSearcher(server.URL, "", 0).Search(t.Context(), "q", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestCrossrefLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/works", r.URL.Path)
		assert.Equal(t, "Halo Dynamics", r.URL.Query().Get("query.bibliographic"))
		assert.Equal(t, "ops@example.org", r.URL.Query().Get("mailto"))
		w.Write([]byte(`{"status":"ok","message":{"items":[{
			"DOI":"10.1/halo",
			"title":["Halo Dynamics"],
			"container-title":["The Astrophysical Journal"],
			"author":[{"given":"Vera","family":"Rubin"},{"name":"Dark Matter Collaboration"}],
			"issued":{"date-parts":[[2021,3]]}
		}]}}`))
	}))
	t.Cleanup(server.Close)

	md, err := NewCrossrefClient(server.URL, "ops@example.org", 0).Lookup(t.Context(), "Halo Dynamics")
	require.NoError(t, err)
	require.NotNil(t, md)

	assert.Equal(t, "10.1/halo", md.DOI)
	assert.Equal(t, 2021, md.Year)
	assert.Equal(t, []string{"Vera Rubin", "Dark Matter Collaboration"}, md.Authors)
	assert.Equal(t,
		"Vera Rubin, Dark Matter Collaboration (2021). Halo Dynamics. The Astrophysical Journal. https://doi.org/10.1/halo",
		md.Citation)
}

func TestCrossrefLookup_NoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","message":{"items":[]}}`))
	}))
	t.Cleanup(server.Close)

	md, err := NewCrossrefClient(server.URL, "", 0).Lookup(t.Context(), "Nothing")
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestFormatCitation(t *testing.T) {
	tests := []struct {
		name    string
		authors []string
		title   string
		venue   string
		year    int
		doi     string
		want    string
	}{
		{"title only", nil, "A Study", "", 0, "", "A Study."},
		{"many authors", []string{"A", "B", "C", "D"}, "T.", "", 1999, "", "A et al. (1999). T."},
		{"year only", nil, "T", "V", 2000, "10/x", "(2000). T. V. https://doi.org/10/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatCitation(tt.authors, tt.title, tt.venue, tt.year, tt.doi))
		})
	}
}

func TestLLMTitleExtractor(t *testing.T) {
	provider := llmtest.Texts("\"Attention Is All You Need\"\nVaswani et al.")
	got, err := NewLLMTitleExtractor(provider).ExtractTitle(t.Context(), "Attention Is All You Need\nAshish Vaswani...")
	require.NoError(t, err)
	assert.Equal(t, "Attention Is All You Need", got)

	req := provider.Requests()[0]
	assert.Equal(t, 0.0, *req.Temperature)

	_, err = NewLLMTitleExtractor(provider).ExtractTitle(t.Context(), "  ")
	assert.Error(t, err)
	assert.Equal(t, 1, provider.Calls())

	provider.Handler = func(context.Context, *llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: ""}, nil
	}
	_, err = NewLLMTitleExtractor(provider).ExtractTitle(t.Context(), "text")
	assert.ErrorContains(t, err, "no title")
}
