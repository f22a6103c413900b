package constants

// MaxFileSize is the admission cap for uploaded documents.
const MaxFileSize = 50 << 20 // 50 MiB

// AllowedMimeTypes holds the document types the OCR engine accepts.
var AllowedMimeTypes = map[string]struct{}{
	"application/pdf": {},
	"image/png":       {},
	"image/jpeg":      {},
	"image/webp":      {},
	"image/tiff":      {},
}

// MimeAllowed reports whether mime is accepted at admission.
func MimeAllowed(mime string) bool {
	_, ok := AllowedMimeTypes[mime]
	return ok
}
