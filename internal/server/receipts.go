package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/unicode/norm"
)

// UploadResponse is the body of a successful receipt upload
type UploadResponse struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// handleUploadReceipt stores the multipart "receipt" file as <filename><ext>,
// where filename is the sanitized form value and ext comes from the upload.
// An existing receipt with the same name is replaced.
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Upload too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("receipt")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "No file part", "")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeJSONError(w, http.StatusBadRequest, "No selected file", "")
		return
	}
	name := r.FormValue("filename")
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "File or filename missing", "")
		return
	}

	base := SecureFilename(name)
	if base == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", "filename has no usable characters")
		return
	}
	final := base + receiptExt(header.Filename)

	if err := saveReceipt(s.config.ReceiptsDir, final, file); err != nil {
		s.logger.Printf("Failed to save receipt %s: %v", final, err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "Failed to save file")
		return
	}

	s.hub.Publish(MessageTypeRecordUpdate, RecordUpdateData{Collection: "receipts", Action: "uploaded", File: final})
	writeJSON(w, http.StatusOK, UploadResponse{
		URL:         "./receipts/" + final,
		Description: base,
	})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(s.config.ReceiptsDir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

// saveReceipt writes src to dir/name through a temporary file
func saveReceipt(dir, name string, src io.Reader) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create receipts directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

// SecureFilename reduces name to a safe single path component: the name is
// decomposed to ASCII, path separators and runs of whitespace become
// underscores, anything outside [A-Za-z0-9_.-] is dropped and leading or
// trailing dots and underscores are trimmed. The result may be empty.
func SecureFilename(name string) string {
	var ascii strings.Builder
	for _, r := range norm.NFKD.String(name) {
		if r < unicode.MaxASCII {
			ascii.WriteRune(r)
		}
	}

	cleaned := strings.NewReplacer("/", " ", "\\", " ").Replace(ascii.String())
	joined := strings.Join(strings.Fields(cleaned), "_")

	var b strings.Builder
	for _, r := range joined {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}

// receiptExt returns the upload's extension, or "" when it is not plain alphanumerics
func receiptExt(uploaded string) string {
	ext := filepath.Ext(strings.ReplaceAll(uploaded, "\\", "/"))
	if len(ext) < 2 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}
