// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tradle/mycloud-sub005/internal/storage"
	"github.com/tradle/mycloud-sub005/pkg/content"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	// Collections
	objects  *mongo.Collection
	messages *mongo.Collection
	errors   *mongo.Collection
	watches  *mongo.Collection
	friends  *mongo.Collection
	contacts *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	// Embedded media lives in GridFS
	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "media"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	s := &Store{
		client:   client,
		db:       db,
		gridfs:   bucket,
		objects:  db.Collection("objects"),
		messages: db.Collection("messages"),
		errors:   db.Collection("delivery_errors"),
		watches:  db.Collection("watches"),
		friends:  db.Collection("friends"),
		contacts: db.Collection("contacts"),
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.objects.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "permalink", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating object indexes: %w", err)
	}

	// The sequence index is what serializes concurrent writers
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "counterparty", Value: 1}, {Key: "direction", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "payload_link", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}

	_, err = s.errors.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "channel", Value: 1}, {Key: "stuck", Value: 1}, {Key: "next_retry_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating delivery error indexes: %w", err)
	}

	_, err = s.watches.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "network", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating watch indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return err
}

// content.Backend implementation

func (s *Store) PutObject(ctx context.Context, rec *content.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.objects.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *Store) GetObject(ctx context.Context, link string) (*content.Record, error) {
	var rec content.Record
	err := s.objects.FindOne(ctx, bson.M{"_id": link}).Decode(&rec)
	if err != nil {
		return nil, notFound(err, "object "+link)
	}
	return &rec, nil
}

// PutBlob stores media in GridFS keyed by the blob id
func (s *Store) PutBlob(ctx context.Context, blob *content.Blob) error {
	n, err := s.gridfs.GetFilesCollection().CountDocuments(ctx, bson.M{"_id": blob.ID})
	if err != nil {
		return fmt.Errorf("looking up blob: %w", err)
	}
	if n > 0 {
		return nil
	}

	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"mime_type": blob.MimeType,
	})
	err = s.gridfs.UploadFromStreamWithID(blob.ID, blob.ID, bytes.NewReader(blob.Data), uploadOpts)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	return nil
}

func (s *Store) GetBlob(ctx context.Context, id string) (*content.Blob, error) {
	downloadStream, err := s.gridfs.OpenDownloadStream(id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, fmt.Errorf("blob %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening download stream: %w", err)
	}
	defer downloadStream.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(downloadStream); err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}

	mimeType, _ := downloadStream.GetFile().Metadata.Lookup("mime_type").StringValueOK()
	return &content.Blob{ID: id, MimeType: mimeType, Data: buf.Bytes()}, nil
}

// ledger.Backend implementation

func (s *Store) InsertMessage(ctx context.Context, rec *ledger.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.messages.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s seq %d to %s: %w", rec.Direction, rec.Seq, rec.Counterparty, errs.ErrDuplicate)
	}
	return err
}

func (s *Store) LastMessage(ctx context.Context, counterparty string, dir ledger.Direction) (*ledger.Record, error) {
	var rec ledger.Record
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	err := s.messages.FindOne(ctx, bson.M{"counterparty": counterparty, "direction": dir}, opts).Decode(&rec)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("%s messages of %s", dir, counterparty))
	}
	return &rec, nil
}

func (s *Store) ListMessages(ctx context.Context, counterparty string, dir ledger.Direction, afterSeq int64, limit int) ([]*ledger.Record, error) {
	query := bson.M{
		"counterparty": counterparty,
		"direction":    dir,
		"seq":          bson.M{"$gt": afterSeq},
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.messages.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*ledger.Record
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// delivery.ErrorStore implementation

func (s *Store) GetError(ctx context.Context, counterparty string) (*delivery.ErrorRecord, error) {
	var rec delivery.ErrorRecord
	err := s.errors.FindOne(ctx, bson.M{"_id": counterparty}).Decode(&rec)
	if err != nil {
		return nil, notFound(err, "delivery error of "+counterparty)
	}
	return &rec, nil
}

func (s *Store) PutError(ctx context.Context, rec *delivery.ErrorRecord) error {
	_, err := s.errors.ReplaceOne(ctx, bson.M{"_id": rec.Counterparty}, rec, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) DeleteError(ctx context.Context, counterparty string) (bool, error) {
	res, err := s.errors.DeleteOne(ctx, bson.M{"_id": counterparty})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) ListDueErrors(ctx context.Context, channel delivery.Channel, now time.Time, limit int) ([]*delivery.ErrorRecord, error) {
	query := bson.M{
		"channel":       channel,
		"stuck":         false,
		"next_retry_at": bson.M{"$lte": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_retry_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.errors.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*delivery.ErrorRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchStore implementation

func (s *Store) InsertWatch(ctx context.Context, w *storage.Watch) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.watches.InsertOne(ctx, w)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("watch %s: %w", w.Key, errs.ErrDuplicate)
	}
	return err
}

func (s *Store) GetWatch(ctx context.Context, key string) (*storage.Watch, error) {
	var w storage.Watch
	err := s.watches.FindOne(ctx, bson.M{"_id": key}).Decode(&w)
	if err != nil {
		return nil, notFound(err, "watch "+key)
	}
	return &w, nil
}

func (s *Store) ListWatches(ctx context.Context, filter *storage.WatchFilter) ([]*storage.Watch, error) {
	query := bson.M{}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if filter != nil {
		if filter.Network != "" {
			query["network"] = filter.Network
		}
		if filter.Status != "" {
			query["status"] = filter.Status
		}
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
	}

	cursor, err := s.watches.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*storage.Watch
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FriendStore implementation

func (s *Store) PutFriend(ctx context.Context, f *delivery.Friend) error {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	_, err := s.friends.ReplaceOne(ctx, bson.M{"_id": f.Permalink}, f, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) GetFriend(ctx context.Context, permalink string) (*delivery.Friend, error) {
	var f delivery.Friend
	err := s.friends.FindOne(ctx, bson.M{"_id": permalink}).Decode(&f)
	if err != nil {
		return nil, notFound(err, "friend "+permalink)
	}
	return &f, nil
}

func (s *Store) ListFriends(ctx context.Context) ([]*delivery.Friend, error) {
	cursor, err := s.friends.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*delivery.Friend
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteFriend(ctx context.Context, permalink string) error {
	res, err := s.friends.DeleteOne(ctx, bson.M{"_id": permalink})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("friend %s: %w", permalink, errs.ErrNotFound)
	}
	return nil
}

// ContactStore implementation

func (s *Store) InsertContact(ctx context.Context, c *storage.Contact) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.contacts.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("contact %s: %w", c.Permalink, errs.ErrDuplicate)
	}
	return err
}

func (s *Store) GetContact(ctx context.Context, permalink string) (*storage.Contact, error) {
	var c storage.Contact
	err := s.contacts.FindOne(ctx, bson.M{"_id": permalink}).Decode(&c)
	if err != nil {
		return nil, notFound(err, "contact "+permalink)
	}
	return &c, nil
}
