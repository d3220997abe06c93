package pdfutil

import (
	"bytes"
	"fmt"
	"strconv"

	pdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCount reads PDF bytes and returns the number of pages.
func PageCount(data []byte) (int, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("new pdf reader: %w", err)
	}
	return doc.NumPage(), nil
}

// ExtractPage returns a single-page PDF containing page n (1-based) of the
// source document.
func ExtractPage(data []byte, n int) ([]byte, error) {
	if n < 1 {
		return nil, fmt.Errorf("page number must be positive, got %d", n)
	}
	var out bytes.Buffer
	if err := api.Trim(bytes.NewReader(data), &out, []string{strconv.Itoa(n)}, nil); err != nil {
		return nil, fmt.Errorf("extract page %d: %w", n, err)
	}
	return out.Bytes(), nil
}
