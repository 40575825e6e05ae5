package scanner

import (
	"path/filepath"
	"strings"
)

// textExtensions lists file extensions whose content is chunked and indexed.
// Anything else is stored as a blob only.
var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".mdx": {},
	".json": {}, ".jsonl": {}, ".yaml": {}, ".yml": {}, ".csv": {},
	".ts": {}, ".tsx": {}, ".js": {}, ".jsx": {}, ".mjs": {}, ".cjs": {},
	".py": {}, ".go": {}, ".rs": {}, ".java": {}, ".kt": {}, ".kts": {},
	".rb": {}, ".php": {},
	".html": {}, ".htm": {}, ".css": {}, ".scss": {},
	".xml": {}, ".toml": {}, ".ini": {},
	".sh": {}, ".bash": {}, ".zsh": {}, ".sql": {},
}

// mimeByExtension covers the formats users import most; unknown extensions
// get no mime type rather than a guess.
var mimeByExtension = map[string]string{
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".json":     "application/json",
	".csv":      "text/csv",
	".png":      "image/png",
	".jpg":      "image/jpeg",
	".jpeg":     "image/jpeg",
	".webp":     "image/webp",
	".gif":      "image/gif",
	".pdf":      "application/pdf",
}

// IsTextLike reports whether a path's extension marks it as indexable text.
func IsTextLike(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := textExtensions[ext]
	return ok
}

// GuessMimeType returns the mime type for a path's extension, or nil.
func GuessMimeType(path string) *string {
	ext := strings.ToLower(filepath.Ext(path))
	if mime, ok := mimeByExtension[ext]; ok {
		return &mime
	}
	return nil
}
