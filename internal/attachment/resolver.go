// Package attachment turns uploaded files into message content blocks.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/normanking/cortex-relay/internal/metrics"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxImages caps the images taken from a single PDF.
const DefaultMaxImages = 20

// Mode selects how image content is returned.
type Mode int

const (
	// ModeInline returns image bytes inside the blocks.
	ModeInline Mode = iota
	// ModeReference returns attachment references; bytes stay in the store.
	ModeReference
)

func (m Mode) String() string {
	if m == ModeReference {
		return "reference"
	}
	return "inline"
}

// File is an uploaded file as received from a chat surface.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Store persists raw attachment bytes.
type Store interface {
	StoreAttachment(ctx context.Context, ownerID, conversationKey, filename, mediaType string, data []byte) (string, error)
}

// PaperAdder takes PDFs into the permanent paper corpus.
type PaperAdder interface {
	AddPaper(ctx context.Context, filename string, data []byte) error
}

// Config holds resolver settings.
type Config struct {
	Extractor PDFExtractor // nil uses DefaultExtractor
	Papers    PaperAdder   // nil disables corpus hand-off
	MaxImages int          // 0 uses DefaultMaxImages
}

// Request describes one file to resolve.
type Request struct {
	Owner string
	Key   string
	File  File
	Mode  Mode
	// AddToPapers hands PDFs to the paper corpus before extraction.
	AddToPapers bool
}

// Result is the stored handle plus the content blocks derived from the file.
type Result struct {
	AttachmentID string
	MediaType    string
	Blocks       []types.Block
}

// Resolver converts files into content blocks.
type Resolver struct {
	store     Store
	extractor PDFExtractor
	papers    PaperAdder
	maxImages int
}

// NewResolver creates a resolver backed by store.
func NewResolver(store Store, cfg Config) *Resolver {
	r := &Resolver{
		store:     store,
		extractor: cfg.Extractor,
		papers:    cfg.Papers,
		maxImages: cfg.MaxImages,
	}
	if r.extractor == nil {
		r.extractor = DefaultExtractor{}
	}
	if r.maxImages <= 0 {
		r.maxImages = DefaultMaxImages
	}
	return r
}

// Resolve stores the raw file and returns the blocks that represent it.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	f := req.File
	mediaType := baseType(f.ContentType)
	if mediaType == "" {
		mediaType = baseType(mimetype.Detect(f.Data).String())
	}

	id, err := r.store.StoreAttachment(ctx, req.Owner, req.Key, f.Name, mediaType, f.Data)
	if err != nil {
		return nil, fmt.Errorf("store attachment %q: %w", f.Name, err)
	}
	res := &Result{AttachmentID: id, MediaType: mediaType}

	switch {
	case IsPDF(f.Name, mediaType):
		res.Blocks, err = r.resolvePDF(ctx, req)
		if err != nil {
			return nil, err
		}
		metrics.AttachmentsResolved.WithLabelValues("pdf").Inc()

	case strings.HasPrefix(mediaType, "image/"):
		if req.Mode == ModeReference {
			res.Blocks = []types.Block{types.ImageRef(mediaType, id)}
		} else {
			res.Blocks = []types.Block{types.InlineImage(mediaType, f.Data)}
		}
		metrics.AttachmentsResolved.WithLabelValues("image").Inc()

	case utf8.Valid(f.Data) && strings.TrimSpace(string(f.Data)) == "":
		res.Blocks = []types.Block{types.TextBlock("Empty file: " + f.Name)}
		metrics.AttachmentsResolved.WithLabelValues("text").Inc()

	case utf8.Valid(f.Data):
		res.Blocks = []types.Block{types.TextBlock(string(f.Data))}
		metrics.AttachmentsResolved.WithLabelValues("text").Inc()

	default:
		res.Blocks = []types.Block{types.TextBlock("Binary file: " + f.Name)}
		metrics.AttachmentsResolved.WithLabelValues("binary").Inc()
	}

	log.Debug().
		Str("attachment", id).
		Str("file", f.Name).
		Str("media_type", mediaType).
		Stringer("mode", req.Mode).
		Int("blocks", len(res.Blocks)).
		Msg("attachment resolved")

	return res, nil
}

func (r *Resolver) resolvePDF(ctx context.Context, req Request) ([]types.Block, error) {
	f := req.File
	var blocks []types.Block

	if req.AddToPapers && r.papers != nil {
		if err := r.papers.AddPaper(ctx, f.Name, f.Data); err != nil {
			log.Warn().Err(err).Str("file", f.Name).Msg("failed to add paper to corpus")
			blocks = append(blocks, types.TextBlock(paperFailure(f.Name, err)))
		} else {
			blocks = append(blocks, types.TextBlock(fmt.Sprintf("Added %s to the papers database.", f.Name)))
		}
	}

	text, _, err := PDFText(r.extractor, f.Data)
	if err != nil {
		return nil, fmt.Errorf("extract text from %q: %w", f.Name, err)
	}
	if strings.TrimSpace(text) != "" {
		blocks = append(blocks, types.TextBlock(text))
	}

	raw, err := r.extractor.Images(f.Data)
	if err != nil {
		log.Warn().Err(err).Str("file", f.Name).Msg("pdf image extraction failed")
		raw = nil
	}

	n := 0
	for _, img := range raw {
		if n >= r.maxImages {
			break
		}
		encoded, err := toPNG(img.Data)
		if err != nil {
			log.Warn().Err(err).Str("file", f.Name).Int("page", img.Page).Str("format", img.Format).Msg("skipping pdf image")
			continue
		}
		n++

		if req.Mode == ModeInline {
			blocks = append(blocks, types.InlineImage("image/png", encoded))
			continue
		}
		name := fmt.Sprintf("%s#image-%d.png", f.Name, n)
		id, err := r.store.StoreAttachment(ctx, req.Owner, req.Key, name, "image/png", encoded)
		if err != nil {
			return nil, fmt.Errorf("store %q: %w", name, err)
		}
		blocks = append(blocks, types.ImageRef("image/png", id))
	}
	if len(raw) > n {
		log.Debug().Str("file", f.Name).Int("found", len(raw)).Int("kept", n).Msg("pdf images dropped")
	}
	if strings.TrimSpace(text) == "" && n == 0 {
		blocks = append(blocks, types.TextBlock("PDF file: "+f.Name+" (no extractable text or images)"))
	}
	return blocks, nil
}

// paperFailure is the user-facing notice for a PDF the corpus rejected.
func paperFailure(name string, err error) string {
	reason := "ingest failed"
	var ie *types.IngestError
	if errors.As(err, &ie) {
		switch ie.Stage {
		case "store":
			reason = "the file could not be saved"
		case "extract":
			reason = "text extraction failed"
		case "title":
			reason = "title extraction failed"
		case "metadata":
			reason = "metadata lookup failed"
		case "index":
			reason = "indexing failed"
		}
	}
	return fmt.Sprintf("Could not add %s to the papers database (%s).", name, reason)
}

// toPNG decodes any registered image format and re-encodes it as PNG.
func toPNG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// baseType strips parameters from a media type.
func baseType(mediaType string) string {
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}
