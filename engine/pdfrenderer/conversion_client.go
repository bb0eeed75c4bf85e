package pdfrenderer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// ConversionClient implements Engine by sending the document to the PDF
// conversion service and receiving every page as a PNG.
type ConversionClient struct {
	PDFURL     string
	DPI        float64
	HTTPClient *http.Client
}

// NewConversionClient creates a client for the service at pdfURL
func NewConversionClient(pdfURL string, dpi float64) *ConversionClient {
	if dpi <= 0 {
		dpi = 150
	}
	return &ConversionClient{
		PDFURL: strings.TrimRight(pdfURL, "/"),
		DPI:    dpi,
		HTTPClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// PDFImagesResponse represents the response from PDF to images conversion
type PDFImagesResponse struct {
	Pages     []string `json:"pages"` // base64 encoded PNGs
	PageCount int      `json:"pageCount"`
	DPI       float64  `json:"dpi"`
	Error     string   `json:"error,omitempty"`
}

// Name implements Engine
func (c *ConversionClient) Name() string {
	return "conversion-service"
}

// Open converts data remotely. The service has no password support.
func (c *ConversionClient) Open(ctx context.Context, data []byte, password string) (Document, error) {
	if c.PDFURL == "" {
		return nil, fmt.Errorf("conversion service URL not configured")
	}

	// Create multipart form data
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("pdf", "document.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to copy file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	url := fmt.Sprintf("%s/pdf/to-images?dpi=%d", c.PDFURL, int(c.DPI))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call PDF service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("PDF service returned error status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var pdfResp PDFImagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&pdfResp); err != nil {
		return nil, fmt.Errorf("failed to decode PDF response: %w", err)
	}
	if pdfResp.Error != "" {
		return nil, fmt.Errorf("PDF service error: %s", pdfResp.Error)
	}
	if len(pdfResp.Pages) == 0 {
		return nil, fmt.Errorf("PDF service returned no pages")
	}

	pages := make([]image.Image, 0, len(pdfResp.Pages))
	for i, encoded := range pdfResp.Pages {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 image for page %d: %w", i, err)
		}
		img, err := imaging.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode image for page %d: %w", i, err)
		}
		pages = append(pages, img)
	}

	dpi := pdfResp.DPI
	if dpi <= 0 {
		dpi = c.DPI
	}
	return NewImageDocument(pages, dpi), nil
}

// Close is a no-op
func (c *ConversionClient) Close() error {
	return nil
}

// Health checks that the conversion service answers
func (c *ConversionClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PDFURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("conversion service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("conversion service health returned %d", resp.StatusCode)
	}
	return nil
}
