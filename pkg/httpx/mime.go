package httpx

import (
	"path/filepath"
	"strings"
)

// mimeTypes maps file extensions to content types for the file handler.
var mimeTypes = map[string]string{
	".avif": "image/avif",
	".bin":  "application/octet-stream",
	".br":   "application/octet-stream",
	".css":  "text/css",
	".csv":  "text/csv",
	".gif":  "image/gif",
	".gz":   "application/gzip",
	".htm":  "text/html",
	".html": "text/html",
	".ico":  "image/x-icon",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".js":   "application/javascript",
	".json": "application/json",
	".mjs":  "application/javascript",
	".mp4":  "video/mp4",
	".otf":  "font/otf",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".tar":  "application/x-tar",
	".toml": "application/toml",
	".ttf":  "font/ttf",
	".txt":  "text/plain",
	".wasm": "application/wasm",
	".webp": "image/webp",
	".woff": "font/woff",
	".xml":  "application/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".zip":  "application/zip",
}

// MimeType returns the content type for a file path, defaulting to
// application/octet-stream.
func MimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := mimeTypes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
