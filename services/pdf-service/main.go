// Command pdf-service converts PDFs into per-page PNG images. It backs the
// SERVER_CONVERSION rendering method.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
)

const (
	defaultDPI = 150
	maxDPI     = 600
	maxUpload  = 64 << 20
	// maxWidth caps page width so a huge page cannot exhaust memory
	maxWidth = 8192
)

// Logger is global since we will need it everywhere
var Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// PDFImagesResponse is the body of /pdf/to-images
type PDFImagesResponse struct {
	Pages     []string `json:"pages"` // base64 encoded PNGs
	PageCount int      `json:"pageCount"`
	DPI       float64  `json:"dpi"`
	Error     string   `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8002"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/pdf/to-images", toImagesHandler)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	Logger.Info("Starting PDF conversion service", "port", port)
	if err := server.ListenAndServe(); err != nil {
		Logger.Error("PDF conversion service stopped", "error", err)
		os.Exit(1)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func toImagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dpi := float64(defaultDPI)
	if v := r.URL.Query().Get("dpi"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxDPI {
			writeJSON(w, http.StatusBadRequest, PDFImagesResponse{Error: fmt.Sprintf("dpi must be between 1 and %d", maxDPI)})
			return
		}
		dpi = float64(n)
	}

	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeJSON(w, http.StatusBadRequest, PDFImagesResponse{Error: "failed to parse form"})
		return
	}
	file, header, err := r.FormFile("pdf")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, PDFImagesResponse{Error: "no PDF file provided"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, PDFImagesResponse{Error: "failed to read PDF file"})
		return
	}

	start := time.Now()
	pages, err := convertPages(data, dpi)
	if err != nil {
		Logger.Warn("Conversion failed", "file", header.Filename, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, PDFImagesResponse{Error: err.Error()})
		return
	}
	Logger.Info("Converted PDF", "file", header.Filename, "pages", len(pages), "dpi", dpi, "duration", time.Since(start))
	writeJSON(w, http.StatusOK, PDFImagesResponse{Pages: pages, PageCount: len(pages), DPI: dpi})
}

// convertPages renders every page of data at dpi and returns base64 PNGs
func convertPages(data []byte, dpi float64) ([]string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	pages := make([]string, 0, n)
	for i := 0; i < n; i++ {
		img, err := doc.ImageDPI(i, dpi)
		if err != nil {
			return nil, fmt.Errorf("failed to render page %d: %w", i+1, err)
		}
		out := imaging.Clone(img)
		if out.Bounds().Dx() > maxWidth {
			out = imaging.Resize(out, maxWidth, 0, imaging.Lanczos)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, out); err != nil {
			return nil, fmt.Errorf("failed to encode page %d: %w", i+1, err)
		}
		pages = append(pages, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return pages, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
