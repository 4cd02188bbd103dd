package content

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/pkg/object"
)

// EmbedPrefix marks a body value that references a stored blob
const EmbedPrefix = "embed:"

const dataURIPrefix = "data:"

// Record is the persisted form of an object
type Record struct {
	Link      string    `bson:"_id" json:"link"`
	Permalink string    `bson:"permalink" json:"permalink"`
	Type      string    `bson:"type" json:"type"`
	Author    string    `bson:"author,omitempty" json:"author,omitempty"`
	Indexed   bool      `bson:"indexed" json:"indexed"`
	Data      []byte    `bson:"data" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// Blob is embedded media moved out of an object body
type Blob struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"-"`
}

// Backend persists records and blobs.
//
// PutObject and PutBlob are idempotent: storing an existing link or blob id
// succeeds without modifying it. Getters return an error wrapping
// errs.ErrNotFound for unknown keys.
type Backend interface {
	PutObject(ctx context.Context, rec *Record) error
	GetObject(ctx context.Context, link string) (*Record, error)
	PutBlob(ctx context.Context, blob *Blob) error
	GetBlob(ctx context.Context, id string) (*Blob, error)
}

// SaveOptions controls how an object is persisted
type SaveOptions struct {
	// Index makes the object visible to type queries. Objects saved without
	// it are still retrievable by link.
	Index bool
}

// Store is a content-addressed object store
type Store struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates a store over backend
func NewStore(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger.Named("content"),
		now:     time.Now,
	}
}

// Save persists a signed object and returns its stored form, in which
// embedded media is replaced by placeholders. The link is computed on obj
// as given, so obj must be in its resolved form.
func (s *Store) Save(ctx context.Context, obj *object.Object, opts SaveOptions) (*object.Object, error) {
	if !obj.IsSigned() {
		return nil, fmt.Errorf("saving unsigned %s", obj.Type)
	}
	if err := object.Stamp(obj); err != nil {
		return nil, err
	}

	stored := obj.Clone()
	if stored.Body != nil {
		body, err := s.extract(ctx, stored.Body)
		if err != nil {
			return nil, err
		}
		stored.Body = body.(map[string]any)
	}

	data, err := object.Encode(stored)
	if err != nil {
		return nil, err
	}

	meta := obj.Meta()
	rec := &Record{
		Link:      meta.Link,
		Permalink: meta.Permalink,
		Type:      obj.Type,
		Author:    obj.Author,
		Indexed:   opts.Index,
		Data:      data,
		CreatedAt: s.now().UTC(),
	}
	if err := s.backend.PutObject(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing object %s: %w", rec.Link, err)
	}

	s.logger.Debug("Saved object",
		zap.String("link", rec.Link),
		zap.String("type", rec.Type),
		zap.Bool("indexed", rec.Indexed))
	return stored, nil
}

// GetByLink returns the stored form of the object with the given link
func (s *Store) GetByLink(ctx context.Context, link string) (*object.Object, error) {
	rec, err := s.backend.GetObject(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", link, err)
	}
	obj, err := object.Decode(rec.Data)
	if err != nil {
		return nil, err
	}
	meta := obj.Meta()
	meta.Link = rec.Link
	meta.Permalink = rec.Permalink
	return obj, nil
}

// ResolveEmbeds returns a copy of obj with embed placeholders replaced by
// the media they reference
func (s *Store) ResolveEmbeds(ctx context.Context, obj *object.Object) (*object.Object, error) {
	resolved := obj.Clone()
	if resolved.Body == nil {
		return resolved, nil
	}
	body, err := s.resolve(ctx, resolved.Body)
	if err != nil {
		return nil, err
	}
	resolved.Body = body.(map[string]any)
	return resolved, nil
}

// ResolveMessageEmbeds returns a copy of msg carrying a resolved payload
func (s *Store) ResolveMessageEmbeds(ctx context.Context, msg *object.Message) (*object.Message, error) {
	if msg.Object == nil {
		return msg, nil
	}
	obj, err := s.ResolveEmbeds(ctx, msg.Object)
	if err != nil {
		return nil, err
	}
	return msg.WithObject(obj), nil
}

// AddMetadata computes the link and permalink of v. For envelopes the
// payload is stamped as well.
func (s *Store) AddMetadata(v object.Signable) error {
	if msg, ok := v.(*object.Message); ok && msg.Object != nil {
		if err := object.Stamp(msg.Object); err != nil {
			return err
		}
	}
	return object.Stamp(v)
}

func (s *Store) extract(ctx context.Context, v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			out, err := s.extract(ctx, val)
			if err != nil {
				return nil, err
			}
			t[k] = out
		}
		return t, nil
	case []any:
		for i, val := range t {
			out, err := s.extract(ctx, val)
			if err != nil {
				return nil, err
			}
			t[i] = out
		}
		return t, nil
	case string:
		blob, ok := parseDataURI(t)
		if !ok {
			return t, nil
		}
		id, err := object.Sum(blob.Data)
		if err != nil {
			return nil, err
		}
		blob.ID = id
		if err := s.backend.PutBlob(ctx, blob); err != nil {
			return nil, fmt.Errorf("storing embedded media: %w", err)
		}
		return EmbedPrefix + id, nil
	}
	return v, nil
}

func (s *Store) resolve(ctx context.Context, v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			out, err := s.resolve(ctx, val)
			if err != nil {
				return nil, err
			}
			t[k] = out
		}
		return t, nil
	case []any:
		for i, val := range t {
			out, err := s.resolve(ctx, val)
			if err != nil {
				return nil, err
			}
			t[i] = out
		}
		return t, nil
	case string:
		id, ok := strings.CutPrefix(t, EmbedPrefix)
		if !ok || !object.IsLink(id) {
			return t, nil
		}
		blob, err := s.backend.GetBlob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolving embedded media %s: %w", id, err)
		}
		return DataURI(blob.MimeType, blob.Data), nil
	}
	return v, nil
}

// DataURI encodes data as a base64 data URI
func DataURI(mimeType string, data []byte) string {
	return dataURIPrefix + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// parseDataURI decodes canonical base64 data URIs so that resolving the
// placeholder reproduces the original string exactly.
func parseDataURI(s string) (*Blob, bool) {
	rest, ok := strings.CutPrefix(s, dataURIPrefix)
	if !ok {
		return nil, false
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, false
	}
	mimeType, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || base64.StdEncoding.EncodeToString(data) != payload {
		return nil, false
	}
	return &Blob{MimeType: mimeType, Data: data}, true
}
