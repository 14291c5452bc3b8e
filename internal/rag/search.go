package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Response size limits for external services.
const (
	maxSearchResponse = 4 * 1024 * 1024
	maxErrorBody      = 64 * 1024
	// MaxPDFSize bounds a downloaded document (50MB).
	MaxPDFSize = 50 * 1024 * 1024
)

// Candidate is a document found by external search.
type Candidate struct {
	ID      string
	Title   string
	Authors []string
	Venue   string
	Year    int
	DOI     string
	PDFURL  string
}

// Searcher finds and downloads candidate documents.
type Searcher interface {
	Search(ctx context.Context, keywords string, limit int) ([]Candidate, error)
	Download(ctx context.Context, c Candidate) ([]byte, error)
}

// SemanticScholarSearcher queries the Semantic Scholar Graph API for open
// access papers.
type SemanticScholarSearcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSemanticScholarSearcher creates a searcher against baseURL.
func NewSemanticScholarSearcher(baseURL, apiKey string, timeout time.Duration) *SemanticScholarSearcher {
	if baseURL == "" {
		baseURL = "https://api.semanticscholar.org"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SemanticScholarSearcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type s2SearchResponse struct {
	Total int       `json:"total"`
	Data  []s2Paper `json:"data"`
}

type s2Paper struct {
	PaperID     string            `json:"paperId"`
	Title       string            `json:"title"`
	Year        int               `json:"year"`
	Venue       string            `json:"venue"`
	Authors     []s2Author        `json:"authors"`
	ExternalIDs map[string]any    `json:"externalIds"`
	OpenAccess  *s2OpenAccessInfo `json:"openAccessPdf"`
}

type s2Author struct {
	Name string `json:"name"`
}

type s2OpenAccessInfo struct {
	URL string `json:"url"`
}

// Search implements Searcher. Only papers with an open access PDF are
// returned.
func (s *SemanticScholarSearcher) Search(ctx context.Context, keywords string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{}
	q.Set("query", keywords)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("fields", "title,authors,year,venue,externalIds,openAccessPdf")
	q.Set("openAccessPdf", "")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/graph/v1/paper/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("search API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result s2SearchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSearchResponse)).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]Candidate, 0, len(result.Data))
	for _, p := range result.Data {
		if p.OpenAccess == nil || p.OpenAccess.URL == "" {
			continue
		}
		c := Candidate{
			ID:     p.PaperID,
			Title:  p.Title,
			Venue:  p.Venue,
			Year:   p.Year,
			PDFURL: p.OpenAccess.URL,
		}
		if doi, ok := p.ExternalIDs["DOI"].(string); ok {
			c.DOI = doi
		}
		for _, a := range p.Authors {
			c.Authors = append(c.Authors, a.Name)
		}
		out = append(out, c)
	}
	return out, nil
}

// Download implements Searcher. The body must look like a PDF.
func (s *SemanticScholarSearcher) Download(ctx context.Context, c Candidate) ([]byte, error) {
	if c.PDFURL == "" {
		return nil, fmt.Errorf("candidate %q has no pdf url", c.Title)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PDFURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	req.Header.Set("Accept", "application/pdf")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", c.PDFURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", c.PDFURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxPDFSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.PDFURL, err)
	}
	if len(data) > MaxPDFSize {
		return nil, fmt.Errorf("download %s: larger than %d bytes", c.PDFURL, MaxPDFSize)
	}
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \r\n\t"), []byte("%PDF")) {
		return nil, fmt.Errorf("download %s: not a pdf", c.PDFURL)
	}
	return data, nil
}
