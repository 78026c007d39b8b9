package server

import (
	"mime"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var whitespace = regexp.MustCompile(`\s+`)

// rawExtension is used for raw-body uploads, where no client name exists.
const rawExtension = ".tmp"

// parseFileName extracts the filename parameter of a Content-Disposition
// header. Malformed headers fall back to a plain "filename=" scan so that
// unquoted names containing spaces still resolve.
func parseFileName(contentDisposition string) string {
	if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
		if name, ok := params["filename"]; ok {
			return strings.TrimSpace(strings.Trim(name, `"`))
		}
	}
	for _, segment := range strings.Split(contentDisposition, ";") {
		segment = strings.TrimSpace(segment)
		if len(segment) >= len("filename=") && strings.EqualFold(segment[:len("filename=")], "filename=") {
			return strings.TrimSpace(strings.Trim(segment[len("filename="):], `"`))
		}
	}
	return ""
}

// splitName returns the base name (without directories or extension) and
// the lower-cased extension of a client-supplied file name.
func splitName(original string) (base, ext string) {
	// Clients on Windows send backslash separated paths.
	name := path.Base(strings.ReplaceAll(original, `\`, "/"))
	if name == "." || name == "/" {
		return "", ""
	}
	raw := filepath.Ext(name)
	base = strings.TrimSuffix(name, raw)
	// A trailing dot is not an extension.
	if raw == "." {
		raw = ""
	}
	return base, strings.ToLower(raw)
}

// storedName derives the on-disk name for a multipart upload.
// The result is "<uuid><ext>" or "<uuid>_<base><ext>" with all whitespace
// removed from base.
func storedName(id uuid.UUID, original, fallbackExt string) string {
	base, ext := splitName(original)
	if ext == "" {
		ext = fallbackExt
	}
	if strings.TrimSpace(base) == "" {
		return id.String() + ext
	}
	return id.String() + "_" + whitespace.ReplaceAllString(base, "") + ext
}

// rawStoredName derives the on-disk name for a raw-body upload.
func rawStoredName(id uuid.UUID, now time.Time) string {
	return id.String() + "_" + strconv.FormatInt(now.UTC().UnixNano(), 10) + rawExtension
}
