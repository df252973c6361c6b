// Package blobstore archives the raw material of each exchange (envelopes,
// decrypted bundles, acknowledgements) grouped by correlation id. Storage
// goes through an afero filesystem so the same code serves a local
// directory in production and memory in tests.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound         = errors.New("blob not found")
	ErrFileTooLarge         = errors.New("blob exceeds maximum allowed size")
	ErrInvalidCorrelationID = errors.New("correlation id is not a valid archive key")
	ErrInvalidKind          = errors.New("blob kind is not allowed")
)

// MaxFileSize caps a single archived blob (10 MB).
const MaxFileSize = 10 * 1024 * 1024

// Blob kinds.
const (
	KindRequestEnvelope  = "request-envelope"
	KindResponseEnvelope = "response-envelope"
	KindRequestFHIR      = "request-fhir"
	KindResponseFHIR     = "response-fhir"
	KindAck              = "ack"
)

// AllowedKinds lists valid blob kinds.
var AllowedKinds = map[string]bool{
	KindRequestEnvelope:  true,
	KindResponseEnvelope: true,
	KindRequestFHIR:      true,
	KindResponseFHIR:     true,
	KindAck:              true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes an archived blob.
type BlobMetadata struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	Kind          string            `json:"kind"`
	ContentType   string            `json:"content_type"`
	Size          int64             `json:"size"`
	Hash          string            `json:"hash"`
	CreatedAt     time.Time         `json:"created_at"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// BlobStore defines the contract for archive backends.
type BlobStore interface {
	Put(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Get(ctx context.Context, correlationID, id string) (io.ReadCloser, *BlobMetadata, error)
	List(ctx context.Context, correlationID string) ([]*BlobMetadata, error)
	Delete(ctx context.Context, correlationID, id string) error
}

// ---------------------------------------------------------------------------
// afero implementation
// ---------------------------------------------------------------------------

// FSStore keeps each blob as <correlation_id>/<id>.blob with a JSON
// metadata sidecar <id>.meta.json.
type FSStore struct {
	mu  sync.RWMutex
	fs  afero.Fs
	now func() time.Time
}

// NewFSStore archives into fs.
func NewFSStore(fs afero.Fs) *FSStore {
	return &FSStore{fs: fs, now: time.Now}
}

// NewDirStore archives under dir on the local filesystem.
func NewDirStore(dir string) (*FSStore, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return NewFSStore(afero.NewBasePathFs(osFs, dir)), nil
}

// NewMemoryStore archives in memory.
func NewMemoryStore() *FSStore {
	return NewFSStore(afero.NewMemMapFs())
}

func validKey(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func blobPath(correlationID, id string) string { return path.Join("/", correlationID, id+".blob") }
func metaPath(correlationID, id string) string { return path.Join("/", correlationID, id+".meta.json") }

// Put reads content, hashes it, and writes blob and metadata.
func (s *FSStore) Put(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if !validKey(meta.CorrelationID) {
		return nil, ErrInvalidCorrelationID
	}
	if !AllowedKinds[meta.Kind] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, meta.Kind)
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = s.now().UTC()
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(path.Join("/", meta.CorrelationID), 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, blobPath(meta.CorrelationID, meta.ID), data, 0o640); err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := afero.WriteFile(s.fs, metaPath(meta.CorrelationID, meta.ID), metaJSON, 0o640); err != nil {
		return nil, fmt.Errorf("write blob metadata: %w", err)
	}

	out := meta
	return &out, nil
}

func (s *FSStore) readMeta(correlationID, id string) (*BlobMetadata, error) {
	raw, err := afero.ReadFile(s.fs, metaPath(correlationID, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta BlobMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode blob metadata: %w", err)
	}
	return &meta, nil
}

// Get returns the blob content and its metadata.
func (s *FSStore) Get(_ context.Context, correlationID, id string) (io.ReadCloser, *BlobMetadata, error) {
	if !validKey(correlationID) || !validKey(id) {
		return nil, nil, ErrBlobNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.readMeta(correlationID, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := afero.ReadFile(s.fs, blobPath(correlationID, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

// List returns the metadata of every blob archived for correlationID,
// oldest first.
func (s *FSStore) List(_ context.Context, correlationID string) ([]*BlobMetadata, error) {
	if !validKey(correlationID) {
		return nil, ErrInvalidCorrelationID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := afero.ReadDir(s.fs, path.Join("/", correlationID))
	if errors.Is(err, os.ErrNotExist) {
		return []*BlobMetadata{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]*BlobMetadata, 0, len(entries)/2)
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".meta.json")
		if !ok {
			continue
		}
		meta, err := s.readMeta(correlationID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a blob and its metadata.
func (s *FSStore) Delete(_ context.Context, correlationID, id string) error {
	if !validKey(correlationID) || !validKey(id) {
		return ErrBlobNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fs.Stat(metaPath(correlationID, id)); errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	if err := s.fs.Remove(blobPath(correlationID, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.fs.Remove(metaPath(correlationID, id))
}

// ---------------------------------------------------------------------------
// Archiver
// ---------------------------------------------------------------------------

// Archiver is the write side used by the exchange pipeline. A nil
// *Archiver discards everything.
type Archiver struct {
	store BlobStore
}

func NewArchiver(store BlobStore) *Archiver { return &Archiver{store: store} }

// Save archives data under correlationID.
func (a *Archiver) Save(ctx context.Context, correlationID, kind, workflow string, data []byte) error {
	if a == nil || a.store == nil || len(data) == 0 {
		return nil
	}
	contentType := "application/jose"
	switch kind {
	case KindRequestFHIR, KindResponseFHIR:
		contentType = "application/fhir+json"
	case KindAck:
		contentType = "application/json"
	}
	_, err := a.store.Put(ctx, BlobMetadata{
		CorrelationID: correlationID,
		Kind:          kind,
		ContentType:   contentType,
		Tags:          map[string]string{"workflow": workflow},
	}, bytes.NewReader(data))
	return err
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// BlobHandler serves archived blobs to operators.
type BlobHandler struct {
	store BlobStore
}

// NewBlobHandler creates a new BlobHandler.
func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts archive routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/archive/:correlation_id", h.handleList)
	g.GET("/archive/:correlation_id/:id", h.handleDownload)
	g.DELETE("/archive/:correlation_id/:id", h.handleDelete)
}

func (h *BlobHandler) handleList(c echo.Context) error {
	items, err := h.store.List(c.Request().Context(), c.Param("correlation_id"))
	if err != nil {
		if errors.Is(err, ErrInvalidCorrelationID) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Get(c.Request().Context(), c.Param("correlation_id"), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer rc.Close()

	c.Response().Header().Set("X-Blob-Kind", meta.Kind)
	c.Response().Header().Set("X-Blob-Hash", meta.Hash)
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleDelete(c echo.Context) error {
	err := h.store.Delete(c.Request().Context(), c.Param("correlation_id"), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}
