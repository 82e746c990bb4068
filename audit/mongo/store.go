// Package mongo implements an alternate, Mongo-backed Extension Audit Store,
// grounded on the teacher's features/run/mongo/store.go Client-wrapper
// pattern. It satisfies the same Append/List contract as audit.Store but
// durably persists to a collection instead of a single JSON file. Records
// are ordered per reloadId by a seq field stamped at insert time, in place of
// audit.Store's single writer goroutine.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/jmillpps/codex-manager/audit"
)

const (
	defaultCollection = "extension_reload_audit"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo-backed audit store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements the same Append/List shape as audit.Store, delegating to
// a Mongo collection instead of a local file.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// requestOrigin mirrors audit.RequestOrigin for BSON encoding.
type requestOrigin struct {
	IP        string `bson:"ip,omitempty"`
	UserAgent string `bson:"userAgent,omitempty"`
}

type document struct {
	ReloadID           string         `bson:"reloadId"`
	RecordedAt         time.Time      `bson:"recordedAt"`
	ActorRole          string         `bson:"actorRole"`
	ActorID            string         `bson:"actorId,omitempty"`
	RequestOrigin      *requestOrigin `bson:"requestOrigin,omitempty"`
	Result             string         `bson:"result"`
	SnapshotBefore     bson.Raw       `bson:"snapshotBefore"`
	SnapshotAfter      bson.Raw       `bson:"snapshotAfter,omitempty"`
	TrustMode          string         `bson:"trustMode"`
	ErrorSummary       string         `bson:"errorSummary,omitempty"`
	ImpactedExtensions []string       `bson:"impactedExtensions,omitempty"`
	Seq                int64          `bson:"seq"`
}

// NewStore builds a Store using opts.Client, ensuring the ordering index
// exists.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("audit/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("audit/mongo: database name is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collectionName)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "seq", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

// Append persists record, stamping it with the next monotonic sequence
// number so List can recover commit order without relying on Mongo's own
// insertion-order guarantees across a replica set.
func (s *Store) Append(record audit.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	doc := document{
		ReloadID:           record.ReloadID,
		RecordedAt:         record.RecordedAt,
		ActorRole:          record.ActorRole,
		ActorID:            record.ActorID,
		RequestOrigin:      convertRequestOrigin(record.RequestOrigin),
		Result:             string(record.Result),
		SnapshotBefore:     bson.Raw(record.SnapshotBefore),
		SnapshotAfter:      bson.Raw(record.SnapshotAfter),
		TrustMode:          record.TrustMode,
		ErrorSummary:       record.ErrorSummary,
		ImpactedExtensions: record.ImpactedExtensions,
		Seq:                seq,
	}
	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

func convertRequestOrigin(o *audit.RequestOrigin) *requestOrigin {
	if o == nil {
		return nil
	}
	return &requestOrigin{IP: o.IP, UserAgent: o.UserAgent}
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	count, err := s.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// List returns all records ordered by commit sequence.
func (s *Store) List() ([]audit.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []audit.Record
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var origin *audit.RequestOrigin
		if doc.RequestOrigin != nil {
			origin = &audit.RequestOrigin{IP: doc.RequestOrigin.IP, UserAgent: doc.RequestOrigin.UserAgent}
		}
		out = append(out, audit.Record{
			ReloadID:           doc.ReloadID,
			RecordedAt:         doc.RecordedAt,
			ActorRole:          doc.ActorRole,
			ActorID:            doc.ActorID,
			RequestOrigin:      origin,
			Result:             audit.Result(doc.Result),
			SnapshotBefore:     []byte(doc.SnapshotBefore),
			SnapshotAfter:      []byte(doc.SnapshotAfter),
			TrustMode:          doc.TrustMode,
			ErrorSummary:       doc.ErrorSummary,
			ImpactedExtensions: doc.ImpactedExtensions,
		})
	}
	return out, cur.Err()
}
