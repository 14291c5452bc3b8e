package attachment

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"
)

// RawImage is an image object pulled out of a PDF, still in its embedded
// encoding.
type RawImage struct {
	Page   int
	Object int
	Format string // pdfcpu file type: "png", "jpg", "tif", ...
	Data   []byte
}

// PDFExtractor pulls text and embedded images out of PDF documents.
type PDFExtractor interface {
	// Pages returns the plain text of every page, in order.
	Pages(data []byte) ([]string, error)
	// Images returns the embedded images in page order.
	Images(data []byte) ([]RawImage, error)
}

// DefaultExtractor reads text with ledongthuc/pdf and images with pdfcpu.
type DefaultExtractor struct{}

var disableConfigDir sync.Once

// Pages implements PDFExtractor.
func (DefaultExtractor) Pages(data []byte) (pages []string, err error) {
	// The text reader panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("read pdf text: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// Images implements PDFExtractor.
func (DefaultExtractor) Images(data []byte) ([]RawImage, error) {
	disableConfigDir.Do(api.DisableConfigDir)

	pages, err := api.ExtractImagesRaw(bytes.NewReader(data), nil, model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("extract pdf images: %w", err)
	}

	return collectImages(pages), nil
}

// collectImages reads every image object in page then object order. An
// object that cannot be read is logged and skipped.
func collectImages(pages []map[int]model.Image) []RawImage {
	var out []RawImage
	for _, objs := range pages {
		for objNr, img := range objs {
			if img.Reader == nil {
				continue
			}
			b, err := io.ReadAll(img)
			if err != nil {
				log.Warn().Err(err).Int("page", img.PageNr).Int("object", objNr).Msg("skipping unreadable pdf image")
				continue
			}
			out = append(out, RawImage{
				Page:   img.PageNr,
				Object: objNr,
				Format: img.FileType,
				Data:   b,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].Object < out[j].Object
	})
	return out
}

// PDFText extracts the whole text of a PDF and, separately, its first page.
func PDFText(ex PDFExtractor, data []byte) (full, first string, err error) {
	pages, err := ex.Pages(data)
	if err != nil {
		return "", "", err
	}
	if len(pages) > 0 {
		first = pages[0]
	}
	return strings.Join(pages, "\n"), first, nil
}

// IsPDF reports whether a file is a PDF by extension or media type.
func IsPDF(name, mediaType string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".pdf") || baseType(mediaType) == "application/pdf"
}
