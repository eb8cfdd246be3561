// Package mongodb implements ledger.Store using MongoDB
package mongodb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-secgw/pkg/ledger"
)

// DefaultInlineLimit is the largest message stored inside its record document
const DefaultInlineLimit = 8 << 20

// Store implements ledger.Store using MongoDB. Writes run in transactions
// and need a replica set. The head is a single document in ledger_meta
// that Purge never touches.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	messages   *mongo.Collection
	timestamps *mongo.Collection
	meta       *mongo.Collection

	inlineLimit int
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
	// InlineLimit is the message size above which the bytes go to GridFS
	InlineLimit int
}

// messageDoc is the stored form of a ledger.MessageRecord
type messageDoc struct {
	ledger.MessageRecord `bson:",inline"`
	PayloadID            *primitive.ObjectID `bson:"payload_id,omitempty"`
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

	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "ledger_payloads"
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
		client:      client,
		db:          db,
		gridfs:      bucket,
		messages:    db.Collection("ledger_messages"),
		timestamps:  db.Collection("ledger_timestamps"),
		meta:        db.Collection("ledger_meta"),
		inlineLimit: cfg.InlineLimit,
	}
	if s.inlineLimit <= 0 {
		s.inlineLimit = DefaultInlineLimit
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "query_id_hash", Value: 1}, {Key: "time", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp_number", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "archived", Value: 1}, {Key: "archived_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}

	_, err = s.timestamps.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "archived", Value: 1}, {Key: "time", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating timestamp indexes: %w", err)
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

// Drop removes the ledger collections and payloads
func (s *Store) Drop(ctx context.Context) error {
	if err := s.messages.Drop(ctx); err != nil {
		return err
	}
	if err := s.timestamps.Drop(ctx); err != nil {
		return err
	}
	if err := s.meta.Drop(ctx); err != nil {
		return err
	}
	return s.gridfs.Drop()
}

func (s *Store) inTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

const headID = "head"

// Head reads the head document. Fields it lacks, as in databases written
// before it existed, come from the newest stored records.
func (s *Store) Head(ctx context.Context) (ledger.Head, error) {
	var head ledger.Head
	err := s.meta.FindOne(ctx, bson.M{"_id": headID}).Decode(&head)
	if err != nil && err != mongo.ErrNoDocuments {
		return ledger.Head{}, fmt.Errorf("reading head: %w", err)
	}
	if head.MessageNumber == 0 {
		last, err := s.LastMessage(ctx)
		if err != nil {
			return ledger.Head{}, err
		}
		if last != nil {
			head.MessageNumber = last.Number
			head.HashChain = last.HashChain
		}
	}
	if head.TimestampNumber == 0 {
		n, err := s.lastTimestampNumber(ctx)
		if err != nil {
			return ledger.Head{}, err
		}
		head.TimestampNumber = n
	}
	return head, nil
}

// advanceHead raises one head counter to n, failing with a duplicate key
// error when the stored value is already at or above it.
func (s *Store) advanceHead(sc mongo.SessionContext, field string, n uint64, set, onInsert bson.M) error {
	set[field] = n
	update := bson.M{"$set": set}
	if len(onInsert) > 0 {
		update["$setOnInsert"] = onInsert
	}
	_, err := s.meta.UpdateOne(sc,
		bson.M{"_id": headID, field: bson.M{"$lt": n}},
		update,
		options.Update().SetUpsert(true))
	return err
}

// Message records

func (s *Store) FirstMessage(ctx context.Context) (*ledger.MessageRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	return s.findOne(ctx, bson.M{}, opts)
}

func (s *Store) LastMessage(ctx context.Context) (*ledger.MessageRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})
	return s.findOne(ctx, bson.M{}, opts)
}

func (s *Store) InsertMessage(ctx context.Context, rec *ledger.MessageRecord) error {
	doc := messageDoc{MessageRecord: *rec}
	doc.Time = ledger.RecordTime(rec.Time)
	if len(rec.Message) > s.inlineLimit {
		id, err := s.gridfs.UploadFromStream(fmt.Sprintf("message-%d", rec.Number), bytes.NewReader(rec.Message))
		if err != nil {
			return fmt.Errorf("uploading message payload: %w", err)
		}
		doc.PayloadID = &id
		doc.Message = nil
	}
	err := s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.messages.InsertOne(sc, doc); err != nil {
			return err
		}
		return s.advanceHead(sc, "message_number", rec.Number,
			bson.M{"hash_chain": rec.HashChain},
			bson.M{"timestamp_number": uint64(0)})
	})
	if mongo.IsDuplicateKeyError(err) {
		s.deletePayload(doc.PayloadID)
		return fmt.Errorf("%w: %d", ledger.ErrDuplicate, rec.Number)
	}
	if err != nil {
		s.deletePayload(doc.PayloadID)
		return err
	}
	return nil
}

func (s *Store) Message(ctx context.Context, number uint64) (*ledger.MessageRecord, error) {
	rec, err := s.findOne(ctx, bson.M{"_id": number}, nil)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: message %d", ledger.ErrNotFound, number)
	}
	return rec, nil
}

func (s *Store) Messages(ctx context.Context, from, to uint64) ([]*ledger.MessageRecord, error) {
	query := bson.M{"_id": bson.M{"$gte": from, "$lte": to}}
	return s.find(ctx, query, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *Store) PendingMessages(ctx context.Context, limit int) ([]*ledger.MessageRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{"timestamp_number": 0}, opts)
}

func (s *Store) MessagesForTimestamp(ctx context.Context, tsNumber uint64) ([]*ledger.MessageRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	return s.find(ctx, bson.M{"timestamp_number": tsNumber}, opts)
}

func (s *Store) FindByQueryIDHash(ctx context.Context, hash []byte, window ledger.Window) (*ledger.MessageRecord, error) {
	query := bson.M{"query_id_hash": hash}
	if !window.From.IsZero() || !window.To.IsZero() {
		t := bson.M{}
		if !window.From.IsZero() {
			t["$gte"] = window.From
		}
		if !window.To.IsZero() {
			t["$lte"] = window.To
		}
		query["time"] = t
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})
	return s.findOne(ctx, query, opts)
}

func (s *Store) findOne(ctx context.Context, query bson.M, opts *options.FindOneOptions) (*ledger.MessageRecord, error) {
	var doc messageDoc
	var err error
	if opts != nil {
		err = s.messages.FindOne(ctx, query, opts).Decode(&doc)
	} else {
		err = s.messages.FindOne(ctx, query).Decode(&doc)
	}
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.toRecord(&doc)
}

func (s *Store) find(ctx context.Context, query bson.M, opts *options.FindOptions) ([]*ledger.MessageRecord, error) {
	cursor, err := s.messages.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*ledger.MessageRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := s.toRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) toRecord(doc *messageDoc) (*ledger.MessageRecord, error) {
	rec := doc.MessageRecord
	rec.Time = rec.Time.UTC()
	if doc.PayloadID != nil {
		var buf bytes.Buffer
		if _, err := s.gridfs.DownloadToStream(*doc.PayloadID, &buf); err != nil {
			return nil, fmt.Errorf("downloading payload of message %d: %w", rec.Number, err)
		}
		rec.Message = buf.Bytes()
	}
	if rec.Message == nil {
		rec.Message = []byte{}
	}
	return &rec, nil
}

func (s *Store) deletePayload(id *primitive.ObjectID) {
	if id != nil {
		_ = s.gridfs.Delete(*id)
	}
}

// Timestamp records

func (s *Store) lastTimestampNumber(ctx context.Context) (uint64, error) {
	var ts ledger.TimestampRecord
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}).SetProjection(bson.M{"_id": 1})
	err := s.timestamps.FindOne(ctx, bson.M{}, opts).Decode(&ts)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ts.Number, nil
}

func (s *Store) CommitTimestamp(ctx context.Context, ts *ledger.TimestampRecord) error {
	doc := *ts
	doc.Time = ledger.RecordTime(ts.Time)
	return s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.timestamps.InsertOne(sc, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: timestamp %d", ledger.ErrDuplicate, ts.Number)
			}
			return fmt.Errorf("inserting timestamp: %w", err)
		}
		err := s.advanceHead(sc, "timestamp_number", ts.Number, bson.M{},
			bson.M{"message_number": uint64(0)})
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: timestamp %d", ledger.ErrDuplicate, ts.Number)
		}
		if err != nil {
			return fmt.Errorf("advancing head: %w", err)
		}
		res, err := s.messages.UpdateMany(sc,
			bson.M{"_id": bson.M{"$in": ts.Records}, "timestamp_number": 0},
			bson.M{"$set": bson.M{"timestamp_number": ts.Number}})
		if err != nil {
			return fmt.Errorf("setting timestamp references: %w", err)
		}
		if res.ModifiedCount != int64(len(ts.Records)) {
			n, err := s.messages.CountDocuments(sc, bson.M{"_id": bson.M{"$in": ts.Records}})
			if err == nil && n != int64(len(ts.Records)) {
				return fmt.Errorf("%w: %d of %d messages exist", ledger.ErrNotFound, n, len(ts.Records))
			}
			return ledger.ErrAlreadyTimestamped
		}
		return nil
	})
}

func (s *Store) Timestamp(ctx context.Context, number uint64) (*ledger.TimestampRecord, error) {
	var ts ledger.TimestampRecord
	err := s.timestamps.FindOne(ctx, bson.M{"_id": number}).Decode(&ts)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: timestamp %d", ledger.ErrNotFound, number)
	}
	if err != nil {
		return nil, err
	}
	ts.Time = ts.Time.UTC()
	return &ts, nil
}

func (s *Store) ArchivableTimestamps(ctx context.Context, before time.Time, limit int) ([]*ledger.TimestampRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.timestamps.Find(ctx, bson.M{"archived": false, "time": bson.M{"$lt": before}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*ledger.TimestampRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	for _, ts := range out {
		ts.Time = ts.Time.UTC()
	}
	return out, nil
}

func (s *Store) MarkArchived(ctx context.Context, tsNumber uint64, at time.Time) error {
	at = ledger.RecordTime(at)
	set := bson.M{"$set": bson.M{"archived": true, "archived_at": at}}
	return s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		res, err := s.timestamps.UpdateOne(sc, bson.M{"_id": tsNumber}, set)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%w: timestamp %d", ledger.ErrNotFound, tsNumber)
		}
		_, err = s.messages.UpdateMany(sc, bson.M{"timestamp_number": tsNumber}, set)
		return err
	})
}

func (s *Store) Purge(ctx context.Context, archivedBefore time.Time) (int64, error) {
	query := bson.M{"archived": true, "archived_at": bson.M{"$lt": archivedBefore}}

	// Collect GridFS payloads first; the documents referencing them go below.
	cursor, err := s.messages.Find(ctx, bson.M{
		"archived":    true,
		"archived_at": bson.M{"$lt": archivedBefore},
		"payload_id":  bson.M{"$exists": true},
	}, options.Find().SetProjection(bson.M{"payload_id": 1}))
	if err != nil {
		return 0, err
	}
	var payloads []messageDoc
	err = cursor.All(ctx, &payloads)
	cursor.Close(ctx)
	if err != nil {
		return 0, err
	}

	var removed int64
	err = s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		res, err := s.messages.DeleteMany(sc, query)
		if err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		removed = res.DeletedCount
		if _, err := s.timestamps.DeleteMany(sc, query); err != nil {
			return fmt.Errorf("deleting timestamps: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, p := range payloads {
		if p.PayloadID == nil {
			continue
		}
		if err := s.gridfs.Delete(*p.PayloadID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("deleting payloads: %w", errors.Join(errs...))
	}
	return removed, nil
}
