package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Metadata is the bibliographic record of a document.
type Metadata struct {
	Title    string
	DOI      string
	Authors  []string
	Venue    string
	Year     int
	Citation string
}

// MetadataClient looks up bibliographic metadata by title. A lookup with no
// match returns (nil, nil).
type MetadataClient interface {
	Lookup(ctx context.Context, title string) (*Metadata, error)
}

// CrossrefClient queries the Crossref works API.
type CrossrefClient struct {
	baseURL string
	mailto  string
	client  *http.Client
}

// NewCrossrefClient creates a client. mailto, when set, puts requests in
// Crossref's polite pool.
func NewCrossrefClient(baseURL, mailto string, timeout time.Duration) *CrossrefClient {
	if baseURL == "" {
		baseURL = "https://api.crossref.org"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CrossrefClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		mailto:  mailto,
		client:  &http.Client{Timeout: timeout},
	}
}

type crossrefResponse struct {
	Status  string `json:"status"`
	Message struct {
		Items []crossrefWork `json:"items"`
	} `json:"message"`
}

type crossrefWork struct {
	DOI            string   `json:"DOI"`
	Title          []string `json:"title"`
	ContainerTitle []string `json:"container-title"`
	Author         []struct {
		Given  string `json:"given"`
		Family string `json:"family"`
		Name   string `json:"name"`
	} `json:"author"`
	Issued struct {
		DateParts [][]int `json:"date-parts"`
	} `json:"issued"`
}

// Lookup implements MetadataClient.
func (c *CrossrefClient) Lookup(ctx context.Context, title string) (*Metadata, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("empty title")
	}

	q := url.Values{}
	q.Set("query.bibliographic", title)
	q.Set("rows", "1")
	q.Set("select", "DOI,title,container-title,author,issued")
	if c.mailto != "" {
		q.Set("mailto", c.mailto)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/works?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("metadata API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result crossrefResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSearchResponse)).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode metadata response: %w", err)
	}
	if len(result.Message.Items) == 0 {
		return nil, nil
	}

	w := result.Message.Items[0]
	md := &Metadata{DOI: w.DOI}
	if len(w.Title) > 0 {
		md.Title = w.Title[0]
	}
	if len(w.ContainerTitle) > 0 {
		md.Venue = w.ContainerTitle[0]
	}
	if len(w.Issued.DateParts) > 0 && len(w.Issued.DateParts[0]) > 0 {
		md.Year = w.Issued.DateParts[0][0]
	}
	for _, a := range w.Author {
		switch {
		case a.Family != "" && a.Given != "":
			md.Authors = append(md.Authors, a.Given+" "+a.Family)
		case a.Family != "":
			md.Authors = append(md.Authors, a.Family)
		case a.Name != "":
			md.Authors = append(md.Authors, a.Name)
		}
	}
	md.Citation = FormatCitation(md.Authors, md.Title, md.Venue, md.Year, md.DOI)
	return md, nil
}

// FormatCitation renders "Authors (Year). Title. Venue. https://doi.org/DOI",
// omitting missing parts.
func FormatCitation(authors []string, title, venue string, year int, doi string) string {
	var sb strings.Builder

	switch {
	case len(authors) > 3:
		sb.WriteString(authors[0] + " et al.")
	case len(authors) > 0:
		sb.WriteString(strings.Join(authors, ", "))
	}
	if year > 0 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "(%d)", year)
	}
	if sb.Len() > 0 {
		sb.WriteString(". ")
	}
	if title != "" {
		sb.WriteString(strings.TrimRight(title, ".") + ".")
	}
	if venue != "" {
		sb.WriteString(" " + venue + ".")
	}
	if doi != "" {
		sb.WriteString(" https://doi.org/" + doi)
	}
	return strings.TrimSpace(sb.String())
}
