package s3

import (
	"encoding/xml"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"slabstore/pkg/metadata"
	"slabstore/pkg/retrieval"
	"slabstore/pkg/storage"
)

// Limits bounds request sizes.
type Limits struct {
	SinglePutMaxBytes int64 // 0 means the built-in default (5 GiB)
}

const defaultSinglePutMaxBytes = 5 * 1024 * 1024 * 1024

// Server routes S3 requests to the retrieval engine and the write path.
// Dependencies are injected for testability.
type Server struct {
	idx    metadata.Index
	store  storage.BlobStore
	engine *retrieval.Engine
	limits Limits
}

// New returns a new S3 API server with dependencies.
func New(idx metadata.Index, store storage.BlobStore) *Server {
	return NewWithLimits(idx, store, Limits{})
}

// NewWithLimits returns a new S3 API server with explicit request limits.
func NewWithLimits(idx metadata.Index, store storage.BlobStore, limits Limits) *Server {
	if limits.SinglePutMaxBytes <= 0 {
		limits.SinglePutMaxBytes = defaultSinglePutMaxBytes
	}
	return &Server{
		idx:    idx,
		store:  store,
		engine: retrieval.NewEngine(idx, store),
		limits: limits,
	}
}

// Handler returns an http.Handler for S3 routes.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	ctx, id := withRequestID(r.Context())
	r = r.WithContext(ctx)
	w.Header().Set("x-amz-request-id", id)

	path := r.URL.Path
	if path == "/" {
		if r.Method == http.MethodGet {
			s.handleListBuckets(w, r)
			return
		}
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(p, "/", 2)
	bucketName := parts[0]
	var key string
	if len(parts) == 2 {
		key = parts[1]
	}
	if key == "" {
		s.handleBucket(w, r, bucketName)
		return
	}
	s.handleObject(w, r, bucketName, key)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetObject(w, r, bucket, key, true)
	case http.MethodHead:
		s.handleGetObject(w, r, bucket, key, false)
	case http.MethodPut:
		s.handlePutObject(w, r, bucket, key)
	case http.MethodDelete:
		s.handleDeleteObject(w, r, bucket, key)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed",
			"The specified method is not allowed against this resource.", key)
	}
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket, key string, body bool) {
	cond := retrieval.ParseConditions(r.Header)
	res, err := s.engine.Get(r.Context(), bucket, key, cond, body)
	if err != nil {
		writeRetrievalError(w, r, key, err)
		return
	}
	if res.Body != nil {
		defer res.Body.Close()
	}
	writeResult(w, r, res, body)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	ok, err := s.idx.BucketExists(ctx, bucket)
	if err != nil {
		writeRetrievalError(w, r, key, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.", "")
		return
	}
	if r.ContentLength > s.limits.SinglePutMaxBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "EntityTooLarge",
			"Your proposed upload exceeds the maximum allowed object size.", key)
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.limits.SinglePutMaxBytes)
	loc, size, etag, err := s.store.Write(ctx, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "EntityTooLarge",
				"Your proposed upload exceeds the maximum allowed object size.", key)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "InternalError",
			"We encountered an internal error. Please try again.", key)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info := metadata.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         size,
		ETag:         etag,
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
		VersionID:    uuid.NewString(),
		Location:     loc,
	}
	// The pointer swap commits the write; the superseded blob (if any)
	// stays readable for in-flight GETs and is reclaimed by the orphan
	// sweep.
	if _, err := s.idx.Put(ctx, info); err != nil {
		writeRetrievalError(w, r, key, err)
		return
	}
	w.Header().Set("ETag", quoteETag(etag))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	_, err := s.idx.Delete(r.Context(), bucket, key)
	if err != nil {
		// S3 deletes are idempotent: a missing key is still a 204.
		if errors.Is(err, metadata.ErrNoSuchKey) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeRetrievalError(w, r, key, err)
		return
	}
	// Blob reclamation is deferred to the orphan sweep.
	w.WriteHeader(http.StatusNoContent)
}

type listBucketsResult struct {
	XMLName xml.Name `xml:"ListAllMyBucketsResult"`
	Xmlns   string   `xml:"xmlns,attr"`
	Owner   owner    `xml:"Owner"`
	Buckets buckets  `xml:"Buckets"`
}

type owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type buckets struct {
	Bucket []bucketEntry `xml:"Bucket"`
}

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	bs, err := s.idx.ListBuckets(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "InternalError",
			"We encountered an internal error. Please try again.", "")
		return
	}
	res := listBucketsResult{
		Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/",
		Owner: owner{ID: "anonymous", DisplayName: "anonymous"},
	}
	for _, b := range bs {
		res.Buckets.Bucket = append(res.Buckets.Bucket, bucketEntry{
			Name:         b.Name,
			CreationDate: b.CreationDate.UTC().Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(res)
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodPut:
		s.handleCreateBucket(w, r, name)
	case http.MethodDelete:
		s.handleDeleteBucket(w, r, name)
	case http.MethodHead:
		ok, err := s.idx.BucketExists(r.Context(), name)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, r, http.StatusNotImplemented, "NotImplemented",
			"Bucket operation not implemented.", "")
	}
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, name string) {
	if !isValidBucketName(name) {
		writeError(w, r, http.StatusBadRequest, "InvalidBucketName", "The specified bucket is not valid.", "")
		return
	}
	if err := s.idx.CreateBucket(r.Context(), name); err != nil {
		if errors.Is(err, metadata.ErrBucketExists) {
			writeError(w, r, http.StatusConflict, "BucketAlreadyOwnedByYou",
				"Your previous request to create the named bucket succeeded and you already own it.", "")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "InternalError",
			"We encountered an internal error. Please try again.", "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, name string) {
	if err := s.idx.DeleteBucket(r.Context(), name); err != nil {
		switch {
		case errors.Is(err, metadata.ErrNoSuchBucket):
			writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.", "")
		case errors.Is(err, metadata.ErrBucketNotEmpty):
			writeError(w, r, http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty.", "")
		default:
			writeError(w, r, http.StatusInternalServerError, "InternalError",
				"We encountered an internal error. Please try again.", "")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Minimal bucket name validation per S3 guidelines (simplified):
// - 3 to 63 characters
// - lowercase letters, numbers, dots, and hyphens
// - must start and end with a letter or number
func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '.' {
			continue
		}
		return false
	}
	first, last := name[0], name[len(name)-1]
	if !((first >= 'a' && first <= 'z') || (first >= '0' && first <= '9')) {
		return false
	}
	if !((last >= 'a' && last <= 'z') || (last >= '0' && last <= '9')) {
		return false
	}
	return true
}
