package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/your-org/fpmatch/internal/config"
	"github.com/your-org/fpmatch/internal/models"
)

const (
	fingerprintsCollection = "fingerprints"
	attendanceCollection   = "attendance_events"
)

type fingerprintDoc struct {
	ID           int64     `bson:"_id"`
	Template     []byte    `bson:"template"`
	TemplateHash int64     `bson:"template_hash"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (d fingerprintDoc) model() models.Fingerprint {
	return models.Fingerprint{ID: d.ID, Template: d.Template, CreatedAt: d.CreatedAt}
}

type attendanceDoc struct {
	ID            string    `bson:"_id"`
	FingerprintID int64     `bson:"fingerprint_id"`
	Similarity    float64   `bson:"similarity"`
	Timestamp     time.Time `bson:"timestamp"`
}

// MongoStore keeps records in a "fingerprints" collection keyed by _id.
type MongoStore struct {
	client       *mongo.Client
	fingerprints *mongo.Collection
	attendance   *mongo.Collection
	timeout      time.Duration
}

func NewMongoStore(ctx context.Context, cfg config.MongoDBConfig) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:       client,
		fingerprints: db.Collection(fingerprintsCollection),
		attendance:   db.Collection(attendanceCollection),
		timeout:      cfg.Timeout,
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	slog.Info("connected to mongodb", "database", cfg.Database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.fingerprints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "template_hash", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create template_hash index: %w", err)
	}
	_, err = s.attendance.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "fingerprint_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create attendance index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Insert(ctx context.Context, fp *models.Fingerprint) error {
	doc := fingerprintDoc{
		ID:           fp.ID,
		Template:     fp.Template,
		TemplateHash: templateHash(fp.Template),
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.fingerprints.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert fingerprint %d: %w", fp.ID, ErrIDConflict)
		}
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	fp.CreatedAt = doc.CreatedAt
	return nil
}

func (s *MongoStore) Upsert(ctx context.Context, fp *models.Fingerprint) (bool, error) {
	return s.replace(ctx, fp, time.Now().UTC())
}

// Restore writes fp under its id, keeping CreatedAt when it is set.
// Mongo dates hold milliseconds.
func (s *MongoStore) Restore(ctx context.Context, fp *models.Fingerprint) (bool, error) {
	createdAt := fp.CreatedAt.UTC()
	if fp.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return s.replace(ctx, fp, createdAt)
}

func (s *MongoStore) replace(ctx context.Context, fp *models.Fingerprint, createdAt time.Time) (bool, error) {
	doc := fingerprintDoc{
		ID:           fp.ID,
		Template:     fp.Template,
		TemplateHash: templateHash(fp.Template),
		CreatedAt:    createdAt.Truncate(time.Millisecond),
	}
	res, err := s.fingerprints.ReplaceOne(ctx, bson.M{"_id": fp.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("upsert fingerprint: %w", err)
	}
	fp.CreatedAt = doc.CreatedAt
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) FindByID(ctx context.Context, id int64) (*models.Fingerprint, error) {
	var doc fingerprintDoc
	if err := s.fingerprints.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fingerprint: %w", err)
	}
	fp := doc.model()
	return &fp, nil
}

func (s *MongoStore) FindByTemplate(ctx context.Context, template []byte) (*models.Fingerprint, error) {
	candidates, err := s.find(ctx, bson.M{"template_hash": templateHash(template)})
	if err != nil {
		return nil, fmt.Errorf("find fingerprint by template: %w", err)
	}
	return firstExact(candidates, template), nil
}

func (s *MongoStore) FindAll(ctx context.Context) ([]models.Fingerprint, error) {
	fps, err := s.find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	return fps, nil
}

func (s *MongoStore) find(ctx context.Context, filter any) ([]models.Fingerprint, error) {
	cur, err := s.fingerprints.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []fingerprintDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode fingerprints: %w", err)
	}
	fps := make([]models.Fingerprint, 0, len(docs))
	for _, d := range docs {
		fps = append(fps, d.model())
	}
	return fps, nil
}

func (s *MongoStore) MaxID(ctx context.Context) (int64, bool, error) {
	var doc fingerprintDoc
	err := s.fingerprints.FindOne(ctx, bson.D{},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}).SetProjection(bson.M{"_id": 1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("max fingerprint id: %w", err)
	}
	return doc.ID, true, nil
}

func (s *MongoStore) InsertAttendance(ctx context.Context, fingerprintID int64, similarity float64) (*models.AttendanceEvent, error) {
	ev := &models.AttendanceEvent{
		ID:            uuid.New(),
		FingerprintID: fingerprintID,
		Similarity:    similarity,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.attendance.InsertOne(ctx, attendanceDoc{
		ID:            ev.ID.String(),
		FingerprintID: ev.FingerprintID,
		Similarity:    ev.Similarity,
		Timestamp:     ev.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("insert attendance: %w", err)
	}
	return ev, nil
}

func (s *MongoStore) QueryAttendance(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, int, error) {
	filter.Normalize()

	q := bson.M{}
	if filter.FingerprintID != nil {
		q["fingerprint_id"] = *filter.FingerprintID
	}
	ts := bson.M{}
	if filter.From != nil {
		ts["$gte"] = filter.From.UTC()
	}
	if filter.To != nil {
		ts["$lte"] = filter.To.UTC()
	}
	if len(ts) > 0 {
		q["timestamp"] = ts
	}

	total, err := s.attendance.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("count attendance: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(int64(filter.Offset)).
		SetLimit(int64(filter.Limit))
	cur, err := s.attendance.Find(ctx, q, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("query attendance: %w", err)
	}
	var docs []attendanceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("decode attendance: %w", err)
	}

	events := make([]models.AttendanceEvent, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("parse attendance id: %w", err)
		}
		events = append(events, models.AttendanceEvent{
			ID:            id,
			FingerprintID: d.FingerprintID,
			Similarity:    d.Similarity,
			Timestamp:     d.Timestamp,
		})
	}
	return events, int(total), nil
}
