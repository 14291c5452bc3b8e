package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/normanking/cortex-relay/internal/attachment"
	"github.com/normanking/cortex-relay/internal/data"
	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/internal/llm/llmtest"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// textExtractor treats file bytes as the text of a single page.
type textExtractor struct{}

func (textExtractor) Pages(data []byte) ([]string, error) {
	if strings.HasPrefix(string(data), "broken") {
		return nil, errors.New("corrupt pdf")
	}
	return []string{string(data)}, nil
}

func (textExtractor) Images([]byte) ([]attachment.RawImage, error) { return nil, nil }

type fakeSearcher struct {
	mu       sync.Mutex
	searches []string
	results  []Candidate
	docs     map[string]string
	err      error

	delay    time.Duration
	inflight int64
	peak     int64
}

func (s *fakeSearcher) Search(_ context.Context, keywords string, limit int) ([]Candidate, error) {
	s.mu.Lock()
	s.searches = append(s.searches, keywords)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) > limit {
		return s.results[:limit], nil
	}
	return s.results, nil
}

func (s *fakeSearcher) Download(_ context.Context, c Candidate) ([]byte, error) {
	n := atomic.AddInt64(&s.inflight, 1)
	defer atomic.AddInt64(&s.inflight, -1)
	for {
		peak := atomic.LoadInt64(&s.peak)
		if n <= peak || atomic.CompareAndSwapInt64(&s.peak, peak, n) {
			break
		}
	}
	time.Sleep(s.delay)

	text, ok := s.docs[c.ID]
	if !ok {
		return nil, errors.New("404")
	}
	return []byte(text), nil
}

func (s *fakeSearcher) Searches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.searches...)
}

type fakeMetadata struct {
	records map[string]*Metadata
	err     error
}

func (f *fakeMetadata) Lookup(_ context.Context, title string) (*Metadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[title], nil
}

// evidenceModel answers when the context mentions topic, extracts titles
// from the first line, and otherwise replies with the sentinel.
func evidenceModel(topic string) *llmtest.Provider {
	p := llmtest.New()
	p.Handler = func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if strings.HasPrefix(req.System, "You extract titles") {
			first, _, _ := strings.Cut(req.Messages[0].Blocks[0].Text, "\n")
			return &llm.Response{Text: first}, nil
		}
		if strings.Contains(strings.ToLower(req.System), topic) {
			return &llm.Response{Text: "It is about " + topic + " [1]."}, nil
		}
		return &llm.Response{Text: `"INSUFFICIENT_CONTEXT"`}, nil
	}
	return p
}

func newPipeline(t *testing.T, provider llm.Provider, searcher Searcher, md MetadataClient) (*Pipeline, *data.Store) {
	t.Helper()
	store, err := data.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p, err := NewPipeline(Config{
		PapersDir:           t.TempDir(),
		Provider:            provider,
		Extractor:           textExtractor{},
		Searcher:            searcher,
		Metadata:            md,
		Manifest:            store,
		DownloadConcurrency: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, store
}

func writePaper(t *testing.T, p *Pipeline, name, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(p.cfg.PapersDir, name), []byte(text), 0o644))
}

func TestAnswer_LocalSufficientNeverSearches(t *testing.T) {
	searcher := &fakeSearcher{}
	p, _ := newPipeline(t, evidenceModel("photosynthesis"), searcher, nil)
	writePaper(t, p, "leaf.pdf", "Leaves\nPhotosynthesis converts light energy into chemical energy.")

	got, err := p.Answer(t.Context(), "How does photosynthesis work?", "")
	require.NoError(t, err)

	assert.Contains(t, got, "It is about photosynthesis [1].")
	assert.Contains(t, got, "References")
	assert.Empty(t, searcher.Searches())
	assert.Equal(t, 1, p.local.Len())
}

func TestAnswer_EmptyCorpusSearchesExternally(t *testing.T) {
	searcher := &fakeSearcher{
		results: []Candidate{{ID: "s2-1", Title: "Chlorophyll", Authors: []string{"A. Author"}, Year: 2020, PDFURL: "http://x/1.pdf"}},
		docs:    map[string]string{"s2-1": "Chlorophyll drives photosynthesis in plants."},
	}
	md := &fakeMetadata{records: map[string]*Metadata{"Chlorophyll": {Citation: "Author, A. (2020). Chlorophyll."}}}
	p, _ := newPipeline(t, evidenceModel("photosynthesis"), searcher, md)

	got, err := p.Answer(t.Context(), "How does Photosynthesis work?", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"how does photosynthesis work"}, searcher.Searches())
	assert.Contains(t, got, "It is about photosynthesis [1].")
	assert.Contains(t, got, "Author, A. (2020). Chlorophyll.")
	// The transient index never leaks into the local corpus.
	assert.Equal(t, 0, p.local.Len())
}

func TestAnswer_InsufficientWithNoDocumentsReturnsFixedString(t *testing.T) {
	searcher := &fakeSearcher{}
	p, _ := newPipeline(t, evidenceModel("photosynthesis"), searcher, nil)
	writePaper(t, p, "cats.pdf", "Cats\nCats sleep for most of the day.")

	got, err := p.Answer(t.Context(), "Why do cats sleep?", "")
	require.NoError(t, err)
	assert.Equal(t, NoAnswer, got)
	assert.Len(t, searcher.Searches(), 1)
}

func TestAnswer_ExternalStillInsufficient(t *testing.T) {
	searcher := &fakeSearcher{
		results: []Candidate{{ID: "1", Title: "Dogs", PDFURL: "u"}},
		docs:    map[string]string{"1": "Dogs bark at night."},
	}
	p, _ := newPipeline(t, evidenceModel("photosynthesis"), searcher, nil)

	got, err := p.Answer(t.Context(), "Why do dogs bark?", "canine barking")
	require.NoError(t, err)
	assert.Equal(t, NoAnswer, got)
	assert.Equal(t, []string{"canine barking"}, searcher.Searches())
}

func TestAnswer_SearchFailureIsInsufficient(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("503")}
	p, _ := newPipeline(t, evidenceModel("x"), searcher, nil)

	got, err := p.Answer(t.Context(), "anything", "")
	require.NoError(t, err)
	assert.Equal(t, NoAnswer, got)
}

func TestAnswer_DownloadsAreBoundedAndFailuresSkipped(t *testing.T) {
	searcher := &fakeSearcher{delay: 10 * time.Millisecond, docs: map[string]string{}}
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		searcher.results = append(searcher.results, Candidate{ID: id, Title: "Paper " + id, PDFURL: id})
		if i%2 == 0 {
			searcher.docs[id] = "Mitochondria produce energy, paper " + id
		}
	}
	p, _ := newPipeline(t, evidenceModel("mitochondria"), searcher, nil)
	p.cfg.MaxResults = 6

	got, err := p.Answer(t.Context(), "What do mitochondria do?", "")
	require.NoError(t, err)
	assert.Contains(t, got, "It is about mitochondria")
	assert.LessOrEqual(t, atomic.LoadInt64(&searcher.peak), int64(2))
}

func TestAnswer_ProviderErrorPropagates(t *testing.T) {
	provider := llmtest.New(llmtest.Reply{Err: &types.ProviderError{Provider: "anthropic", Status: 500, Err: errors.New("down")}})
	p, _ := newPipeline(t, provider, &fakeSearcher{}, nil)
	writePaper(t, p, "leaf.pdf", "Leaves\nPhotosynthesis happens in leaves.")

	_, err := p.Answer(t.Context(), "photosynthesis", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProvider)
}

func TestAnswer_LazyLoadSkipsBrokenFiles(t *testing.T) {
	p, store := newPipeline(t, evidenceModel("photosynthesis"), &fakeSearcher{}, nil)
	writePaper(t, p, "bad.pdf", "broken bytes")
	writePaper(t, p, "good.pdf", "Leaves\nPhotosynthesis happens in leaves.")
	writePaper(t, p, "notes.txt", "photosynthesis notes that are not a paper")
	require.NoError(t, store.UpsertManifest(t.Context(), types.ManifestEntry{
		FileLocation: "good.pdf", Title: "On Leaves", Citation: "Doe (2001). On Leaves.",
	}))

	got, err := p.Answer(t.Context(), "photosynthesis", "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.local.Len())
	assert.Contains(t, got, "Doe (2001). On Leaves.")
}

func TestAddPaper_IdempotentManifest(t *testing.T) {
	md := &fakeMetadata{records: map[string]*Metadata{
		"Light Harvesting": {Title: "Light Harvesting in Plants", DOI: "10.1/lh", Citation: "Roe (2019). Light Harvesting in Plants."},
	}}
	searcher := &fakeSearcher{}
	p, store := newPipeline(t, evidenceModel("photosynthesis"), searcher, md)
	paper := []byte("Light Harvesting\nPhotosynthesis relies on antenna complexes.")

	require.NoError(t, p.AddPaper(t.Context(), "lh.pdf", paper))
	require.NoError(t, p.AddPaper(t.Context(), "lh.pdf", paper))

	entries, err := store.ListManifest(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lh.pdf", entries[0].FileLocation)
	assert.Equal(t, "Light Harvesting in Plants", entries[0].Title)
	assert.Equal(t, "10.1/lh", entries[0].DOI)
	assert.Equal(t, 1, p.local.Len())

	_, err = os.Stat(filepath.Join(p.cfg.PapersDir, "lh.pdf"))
	require.NoError(t, err)

	got, err := p.Answer(t.Context(), "photosynthesis antenna", "")
	require.NoError(t, err)
	assert.Contains(t, got, "Roe (2019). Light Harvesting in Plants.")
	assert.Empty(t, searcher.Searches())
}

func TestAddPaper_TitleFailureKeepsFileUnindexed(t *testing.T) {
	provider := llmtest.Texts("   ")
	p, store := newPipeline(t, provider, &fakeSearcher{}, nil)

	err := p.AddPaper(t.Context(), "untitled.pdf", []byte("Some text"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrIngest)

	var ie *types.IngestError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "title", ie.Stage)
	assert.Equal(t, "untitled.pdf", ie.File)

	_, statErr := os.Stat(filepath.Join(p.cfg.PapersDir, "untitled.pdf"))
	assert.NoError(t, statErr)
	assert.Equal(t, 0, p.local.Len())

	entries, err := store.ListManifest(t.Context())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddPaper_MetadataFailure(t *testing.T) {
	p, _ := newPipeline(t, evidenceModel("x"), &fakeSearcher{}, &fakeMetadata{err: errors.New("timeout")})

	err := p.AddPaper(t.Context(), "a.pdf", []byte("Title\nbody"))
	var ie *types.IngestError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "metadata", ie.Stage)
	assert.Equal(t, 0, p.local.Len())
}

func TestAddPaper_StripsDirectories(t *testing.T) {
	p, _ := newPipeline(t, evidenceModel("x"), &fakeSearcher{}, nil)

	require.NoError(t, p.AddPaper(t.Context(), "../../etc/evil.pdf", []byte("Evil\nbody text")))
	_, err := os.Stat(filepath.Join(p.cfg.PapersDir, "evil.pdf"))
	assert.NoError(t, err)
}

func TestDeriveKeywords(t *testing.T) {
	assert.Equal(t, "what is dark matter", DeriveKeywords("What is Dark Matter?"))
	assert.Equal(t, "eg a test", DeriveKeywords("e.g. a test."))
}

func TestNewPipeline_RequiresProvider(t *testing.T) {
	_, err := NewPipeline(Config{PapersDir: t.TempDir()})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
