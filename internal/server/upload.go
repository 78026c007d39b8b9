package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// sniffLimit matches the number of leading bytes mimetype inspects.
const sniffLimit = 3072

// hookTimeout bounds the post-store notifications of one upload.
const hookTimeout = 30 * time.Second

// StoredFile is one upload persisted under the temp directory.
type StoredFile struct {
	Name         string
	OriginalName string
	Path         string
	SizeBytes    int64
	DetectedType string
	CreatedAt    time.Time
}

// StoreHook is notified after the manifest of a stored upload has been sent.
// Hooks run off the request path; errors are logged and never change the
// response.
type StoreHook interface {
	Name() string
	FileStored(ctx context.Context, f StoredFile, m Manifest) error
}

// UploadHandler turns one POST request into a stored file plus manifest.
// It keeps no per-request state, so one instance serves concurrent uploads;
// the UUID in each stored name keeps their paths apart.
type UploadHandler struct {
	cfg       UploadConfig
	fs        afero.Fs
	extractor BodyExtractor
	hooks     []StoreHook
	log       *Logger
	metrics   *Metrics

	// pending tracks store notifications still running after their
	// response was written.
	pending sync.WaitGroup

	now   func() time.Time
	newID func() uuid.UUID
}

// NewUploadHandler builds a handler writing into cfg.TempPath on fs.
func NewUploadHandler(cfg UploadConfig, fs afero.Fs, log *Logger, metrics *Metrics, hooks ...StoreHook) *UploadHandler {
	return &UploadHandler{
		cfg:       cfg,
		fs:        fs,
		extractor: NewBodyExtractor(cfg.BodyMode),
		hooks:     hooks,
		log:       log.With("upload"),
		metrics:   metrics,
		now:       time.Now,
		newID:     uuid.New,
	}
}

// ServeHTTP handles POST /api/file/upload.
func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	rid := RequestIDFromContext(r.Context())

	stored, m, err := h.Handle(r)
	if err != nil {
		ue := asUploadError(err)
		fields := map[string]any{"rid": rid, "kind": ue.Kind.String()}
		if ue.Kind == KindInternal {
			h.log.Error("upload_failed", fields, ue)
		} else {
			h.log.Warn("upload_rejected", fields, ue)
		}
		h.metrics.RecordUploadRejected(ue.Kind)
		http.Error(w, ue.PublicMessage(), ue.Status())
		return
	}

	if m == nil {
		h.metrics.RecordEmptyUpload()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := m.Marshal()
	if err != nil {
		h.log.Error("manifest_encode_failed", map[string]any{"rid": rid, "file": m.FileName}, err)
		h.metrics.RecordUploadRejected(KindInternal)
		http.Error(w, "Internal server error.", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordUpload(m.FileSize, h.now().Sub(start))
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	h.dispatch(r.Context(), rid, stored, *m)
}

// Wait blocks until every store notification dispatched so far has
// finished.
func (h *UploadHandler) Wait() {
	h.pending.Wait()
}

// Handle stores the request payload and returns the stored file with its
// manifest. A nil manifest with a nil error means the request had no body.
// Store hooks are not run; ServeHTTP dispatches them once the response is out.
func (h *UploadHandler) Handle(r *http.Request) (StoredFile, *Manifest, error) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return StoredFile{}, nil, nil
	}

	var body io.Reader = r.Body
	if r.ContentLength < 0 {
		// Unknown length: look ahead one byte to spot an empty body.
		br := bufio.NewReader(r.Body)
		if _, err := br.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return StoredFile{}, nil, nil
			}
			return StoredFile{}, nil, internal("read request body", err)
		}
		body = br
	}

	payload, err := h.extractor.Extract(r, body)
	if err != nil {
		return StoredFile{}, nil, err
	}

	id := h.newID()
	var name string
	if payload.Raw {
		name = rawStoredName(id, h.now())
	} else {
		name = storedName(id, payload.OriginalName, h.cfg.FallbackExtension)
	}
	if ext := filepath.Ext(name); h.cfg.Blocked(ext) {
		return StoredFile{}, nil, blocked(ext)
	}

	stored, err := h.store(name, payload)
	if err != nil {
		return StoredFile{}, nil, err
	}

	manifest := NewManifest(stored, h.downloadURL(r, stored.Name), h.now(), h.cfg.ValidityPeriod)

	h.log.Info("file_stored", map[string]any{
		"rid":      RequestIDFromContext(r.Context()),
		"file":     stored.Name,
		"original": payload.OriginalName,
		"size":     humanize.Bytes(uint64(stored.SizeBytes)),
		"type":     stored.DetectedType,
		"url":      manifest.URL,
		"until":    manifest.UntilString(),
	})

	return stored, &manifest, nil
}

// store streams the payload into a new file and enforces the size limit
// once the write has finished. Any failure leaves no file behind.
func (h *UploadHandler) store(name string, payload Payload) (StoredFile, error) {
	path := filepath.Join(h.cfg.TempPath, name)

	f, err := h.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return StoredFile{}, internal("create stored file", err)
	}

	// Read at most one byte past the limit; that is enough to know the
	// upload is too large without filling the disk.
	limit := h.cfg.MaxFileSizeBytes()
	sniff := &headSniffer{max: sniffLimit}
	_, copyErr := io.Copy(io.MultiWriter(f, sniff), io.LimitReader(payload.Body, limit+1))
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		h.discard(path)
		if copyErr != nil {
			return StoredFile{}, internal("write stored file", copyErr)
		}
		return StoredFile{}, internal("close stored file", closeErr)
	}

	fi, err := h.fs.Stat(path)
	if err != nil {
		h.discard(path)
		return StoredFile{}, internal("stat stored file", err)
	}
	if fi.Size() > limit {
		h.discard(path)
		return StoredFile{}, tooLarge(h.cfg.MaxFileSizeMB)
	}

	return StoredFile{
		Name:         name,
		OriginalName: payload.OriginalName,
		Path:         path,
		SizeBytes:    fi.Size(),
		DetectedType: mimetype.Detect(sniff.buf).String(),
		CreatedAt:    fi.ModTime(),
	}, nil
}

func (h *UploadHandler) discard(path string) {
	if err := h.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		h.log.Error("discard_failed", map[string]any{"path": path}, err)
	}
}

// downloadURL builds {scheme}://{host}[:{port}]/{name} from the request.
func (h *UploadHandler) downloadURL(r *http.Request, name string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	host := r.Host
	if h.cfg.PublicPort > 0 {
		hostname := host
		if hn, _, err := net.SplitHostPort(host); err == nil {
			hostname = hn
		}
		hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
		host = net.JoinHostPort(hostname, strconv.Itoa(h.cfg.PublicPort))
	}

	u := url.URL{Scheme: scheme, Host: host, Path: "/" + name}
	return u.String()
}

// dispatch runs the store hooks on their own goroutine, tracked by pending.
func (h *UploadHandler) dispatch(parent context.Context, rid string, f StoredFile, m Manifest) {
	if len(h.hooks) == 0 {
		return
	}
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		h.notify(parent, rid, f, m)
	}()
}

// notify runs the store hooks detached from the request context so a
// client hanging up does not cut them short.
func (h *UploadHandler) notify(parent context.Context, rid string, f StoredFile, m Manifest) {
	if len(h.hooks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), hookTimeout)
	defer cancel()

	for _, hook := range h.hooks {
		if err := hook.FileStored(ctx, f, m); err != nil {
			h.log.Warn("store_hook_failed", map[string]any{
				"rid":  rid,
				"hook": hook.Name(),
				"file": f.Name,
			}, err)
		}
	}
}

// headSniffer keeps the first max bytes written to it.
type headSniffer struct {
	buf []byte
	max int
}

func (s *headSniffer) Write(p []byte) (int, error) {
	if room := s.max - len(s.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		s.buf = append(s.buf, p[:room]...)
	}
	return len(p), nil
}
