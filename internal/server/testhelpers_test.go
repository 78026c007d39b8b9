package server

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testDir = "/var/ftu/uploads"

func testLogger() *Logger {
	return NewLogger(io.Discard, LogLevelError, true)
}

func testUploadConfig() UploadConfig {
	return UploadConfig{
		MaxFileSizeMB:     1,
		TempPath:          testDir,
		ValidityPeriod:    7 * 24 * time.Hour,
		FallbackExtension: ".dat",
		BodyMode:          BodyModeAuto,
	}
}

func newTestFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testDir, 0o750))
	return fs
}

// multipartRequest builds an upload request whose first section carries
// content under filename.
func multipartRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, UploadRoute, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// storedFiles lists the names of regular files in testDir.
func storedFiles(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, testDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if e.Mode().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names
}
