package server

import (
	"errors"
	"fmt"
	"net/http"
)

// UploadErrorKind classifies why an upload did not produce a manifest.
type UploadErrorKind int

const (
	// KindInternal covers I/O failures and anything unexpected.
	KindInternal UploadErrorKind = iota
	KindMalformedRequest
	KindPayloadTooLarge
	KindExtensionBlocked
)

func (k UploadErrorKind) String() string {
	switch k {
	case KindMalformedRequest:
		return "malformed_request"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindExtensionBlocked:
		return "extension_blocked"
	default:
		return "internal"
	}
}

// UploadError carries the client-facing message separately from the cause,
// which is only ever logged.
type UploadError struct {
	Kind    UploadErrorKind
	Message string
	Err     error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Status maps the error kind onto the HTTP response status.
func (e *UploadError) Status() int {
	switch e.Kind {
	case KindMalformedRequest, KindPayloadTooLarge, KindExtensionBlocked:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text written to the response body.
func (e *UploadError) PublicMessage() string {
	if e.Kind == KindInternal || e.Message == "" {
		return "Internal server error."
	}
	return e.Message
}

func malformed(msg string, err error) *UploadError {
	return &UploadError{Kind: KindMalformedRequest, Message: msg, Err: err}
}

func tooLarge(limitMB int) *UploadError {
	return &UploadError{
		Kind:    KindPayloadTooLarge,
		Message: fmt.Sprintf("Uploaded file size exceeds configured limit: %d MB.", limitMB),
	}
}

func blocked(ext string) *UploadError {
	return &UploadError{
		Kind:    KindExtensionBlocked,
		Message: fmt.Sprintf("File extension %s is not allowed.", ext),
	}
}

func internal(op string, err error) *UploadError {
	return &UploadError{Kind: KindInternal, Message: op, Err: err}
}

// asUploadError converts any error into an UploadError, treating unknown
// errors as internal.
func asUploadError(err error) *UploadError {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue
	}
	return internal("unexpected failure", err)
}
