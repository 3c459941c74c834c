package bundle

import (
	"path/filepath"
	"strings"
)

const (
	ContentTypeZip  = "application/zip"
	ContentTypeJSON = "application/json"
)

var extensionMap = map[string]string{
	".zip":  ContentTypeZip,
	".json": ContentTypeJSON,
	".py":   "text/x-python",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".txt":  "text/plain; charset=utf-8",
}

// ContentTypeForFile maps a file extension to a MIME type, defaulting to
// application/octet-stream.
func ContentTypeForFile(filename string) string {
	if ct, ok := extensionMap[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}
