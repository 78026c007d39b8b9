package server

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// BodyMode selects how the file payload is located in the request body.
type BodyMode string

const (
	// BodyModeAuto uses multipart for multipart/* requests and raw otherwise.
	BodyModeAuto      BodyMode = "auto"
	BodyModeMultipart BodyMode = "multipart"
	BodyModeRaw       BodyMode = "raw"
)

// Payload is the file content of a single upload.
type Payload struct {
	Body io.Reader
	// OriginalName is the client-supplied name; always empty for raw bodies.
	OriginalName string
	Raw          bool
}

// BodyExtractor locates the file payload in a request. body is the request
// body, possibly already wrapped by the caller.
type BodyExtractor interface {
	Extract(r *http.Request, body io.Reader) (Payload, error)
}

// NewBodyExtractor returns the extractor for mode.
func NewBodyExtractor(mode BodyMode) BodyExtractor {
	switch mode {
	case BodyModeMultipart:
		return multipartExtractor{}
	case BodyModeRaw:
		return rawExtractor{}
	default:
		return autoExtractor{}
	}
}

// multipartExtractor reads exactly the first section of a multipart body.
type multipartExtractor struct{}

func (multipartExtractor) Extract(r *http.Request, body io.Reader) (Payload, error) {
	boundary, err := multipartBoundary(r.Header.Get("Content-Type"))
	if err != nil {
		return Payload{}, err
	}

	part, err := multipart.NewReader(body, boundary).NextPart()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Payload{}, malformed("File upload failed.", errors.New("no multipart section"))
		}
		return Payload{}, malformed("File upload failed.", err)
	}

	return Payload{
		Body:         part,
		OriginalName: parseFileName(part.Header.Get("Content-Disposition")),
	}, nil
}

func multipartBoundary(contentType string) (string, error) {
	if contentType == "" {
		return "", malformed("File upload failed.", errors.New("missing content type"))
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", malformed("File upload failed.", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", malformed("File upload failed.", errors.New("content type is not multipart: "+mediaType))
	}
	boundary := strings.TrimSpace(params["boundary"])
	if boundary == "" {
		return "", malformed("File upload failed.", errors.New("missing multipart boundary"))
	}
	return boundary, nil
}

// rawExtractor treats the whole body as the file.
type rawExtractor struct{}

func (rawExtractor) Extract(_ *http.Request, body io.Reader) (Payload, error) {
	return Payload{Body: body, Raw: true}, nil
}

type autoExtractor struct{}

func (autoExtractor) Extract(r *http.Request, body io.Reader) (Payload, error) {
	if isMultipart(r.Header.Get("Content-Type")) {
		return multipartExtractor{}.Extract(r, body)
	}
	return rawExtractor{}.Extract(r, body)
}

// isMultipart looks only at the media type prefix so that a multipart
// request with a broken parameter list still goes down the multipart path
// and is reported as malformed.
func isMultipart(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return strings.HasPrefix(strings.ToLower(mediaType), "multipart/")
}
