// Package gorm implements eventcore.EventStore on a relational database
// through gorm. PostgreSQL, MySQL and SQLite are supported.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-sqlite3"
	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/logging"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var _ eventcore.EventStore = (*EventStore)(nil)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var now = func() time.Time { return time.Now().UTC() }

type gormEvent struct {
	GlobalPosition uint64    `gorm:"primaryKey;autoIncrement"`
	EventID        string    `gorm:"size:36;uniqueIndex"`
	StreamID       string    `gorm:"size:255;index:idx_stream_version,unique"`
	StreamVersion  uint64    `gorm:"index:idx_stream_version,unique"`
	EventType      string    `gorm:"size:255;index"`
	Topic          string    `gorm:"size:255"`
	Priority       int       `gorm:"not null;default:0"`
	CorrelationID  string    `gorm:"size:255;index"`
	Metadata       string    `gorm:"type:text"`
	Data           string    `gorm:"type:text"`
	RecordedAt     time.Time `gorm:"not null"`
}

func (gormEvent) TableName() string { return "events" }

type gormSnapshot struct {
	AggregateID string `gorm:"primaryKey;size:255"`
	Version     uint64
	Data        []byte
	Timestamp   time.Time
}

func (gormSnapshot) TableName() string { return "snapshots" }

// Config selects a driver and DSN, read from the "store.sql" section.
type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// EventStore keeps events in an "events" table and snapshots in a
// "snapshots" table. A unique index on (stream_id, stream_version) rejects
// concurrent writers from other processes.
type EventStore struct {
	db     *gorm.DB
	logger *zap.Logger

	// appendMu serializes appends from this process so the revision check
	// and the insert see the same stream version.
	appendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger      *zap.Logger
	logLevel    gormlogger.LogLevel
	autoMigrate bool
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLogLevel sets the gorm statement log level. The default is Warn.
func WithLogLevel(level gormlogger.LogLevel) Option {
	return func(o *options) { o.logLevel = level }
}

// WithoutMigration skips creating the tables on startup.
func WithoutMigration() Option {
	return func(o *options) { o.autoMigrate = false }
}

// Open picks the dialector named by cfg.Driver and calls New.
func Open(cfg Config, opts ...Option) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("gorm store: dsn must be provided")
	}

	var dial gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql", "pgx":
		dial = postgres.Open(cfg.DSN)
	case "mysql":
		dial = mysql.Open(cfg.DSN)
	case "sqlite", "sqlite3", "":
		dial = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("gorm store: unsupported driver %q", cfg.Driver)
	}
	return New(dial, opts...)
}

// New opens the database behind dial and migrates the schema.
func New(dial gorm.Dialector, opts ...Option) (*EventStore, error) {
	o := options{
		logger:      zap.NewNop(),
		logLevel:    gormlogger.Warn,
		autoMigrate: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger:         logging.NewGormLogger(o.logger, o.logLevel),
		TranslateError: true,
		NowFunc:        now,
	})
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}

	if o.autoMigrate {
		if err := db.AutoMigrate(&gormEvent{}, &gormSnapshot{}); err != nil {
			return nil, eventcore.WrapEventStoreError(fmt.Errorf("migrate: %w", err))
		}
	}
	return &EventStore{db: db, logger: o.logger}, nil
}

// DB exposes the underlying handle, e.g. for health checks.
func (s *EventStore) DB() *gorm.DB { return s.db }

func (s *EventStore) Append(ctx context.Context, ev eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	return s.AppendBatch(ctx, []eventcore.Event{ev}, opts...)
}

// AppendBatch writes every event in one transaction.
func (s *EventStore) AppendBatch(ctx context.Context, evs []eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	if len(evs) == 0 {
		return eventcore.AppendResult{}, nil
	}
	cfg := eventcore.ApplyAppendOptions(opts...)
	first := eventcore.ResolveStreamID(evs[0], cfg.StreamID)

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var result eventcore.AppendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		versions := make(map[string]uint64)
		rows := make([]gormEvent, 0, len(evs))

		for i, ev := range evs {
			stream := eventcore.ResolveStreamID(ev, cfg.StreamID)
			if _, ok := versions[stream]; !ok {
				current, err := lastVersion(tx, stream)
				if err != nil {
					return err
				}
				if i == 0 {
					if err := eventcore.CheckRevision(stream, current, cfg.Revision); err != nil {
						return err
					}
				}
				versions[stream] = current
			}
			versions[stream]++

			row, err := toRow(stream, versions[stream], ev)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}

		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		result = eventcore.AppendResult{
			StreamID:            first,
			NextExpectedVersion: versions[first],
			GlobalPosition:      rows[len(rows)-1].GlobalPosition,
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			current, _ := s.GetLastEventVersion(context.WithoutCancel(ctx), first)
			expected := uint64(0)
			if rev, ok := cfg.Revision.(eventcore.Revision); ok {
				expected = uint64(rev)
			}
			return eventcore.AppendResult{}, &eventcore.StreamRevisionConflictError{
				Stream:   first,
				Expected: expected,
				Actual:   current,
			}
		}
		return eventcore.AppendResult{}, eventcore.WrapEventStoreError(err)
	}
	return result, nil
}

func lastVersion(tx *gorm.DB, stream string) (uint64, error) {
	var v uint64
	err := tx.Model(&gormEvent{}).
		Where("stream_id = ?", stream).
		Select("COALESCE(MAX(stream_version), 0)").
		Scan(&v).Error
	return v, err
}

// isUniqueViolation recognises a duplicate (stream_id, stream_version) or
// event id. Older sqlite drivers do not translate the error, so the raw
// constraint code is checked too.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

func toRow(stream string, version uint64, ev eventcore.Event) (gormEvent, error) {
	se, err := eventcore.NewStoredEvent(stream, version, ev)
	if err != nil {
		return gormEvent{}, err
	}
	md, err := json.Marshal(se.Metadata)
	if err != nil {
		return gormEvent{}, &eventcore.SerializationError{Op: "store", Type: se.EventType, Err: err}
	}
	return gormEvent{
		EventID:       se.EventID.String(),
		StreamID:      se.StreamID,
		StreamVersion: se.StreamVersion,
		EventType:     se.EventType,
		Topic:         se.Topic,
		Priority:      int(se.Priority),
		CorrelationID: se.Metadata.CorrelationID,
		Metadata:      string(md),
		Data:          string(se.Data),
		RecordedAt:    now(),
	}, nil
}

func fromRows(rows []gormEvent) ([]eventcore.StoredEvent, error) {
	out := make([]eventcore.StoredEvent, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.EventID)
		if err != nil {
			return nil, fmt.Errorf("event %d: bad id %q: %w", r.GlobalPosition, r.EventID, err)
		}
		var md eventcore.Metadata
		if r.Metadata != "" {
			if err := json.UnmarshalFromString(r.Metadata, &md); err != nil {
				return nil, &eventcore.SerializationError{Op: "load", Type: r.EventType, Err: err}
			}
		}
		out = append(out, eventcore.StoredEvent{
			StreamID:       r.StreamID,
			StreamVersion:  r.StreamVersion,
			GlobalPosition: r.GlobalPosition,
			EventID:        id,
			EventType:      r.EventType,
			Topic:          r.Topic,
			Priority:       eventcore.Priority(r.Priority),
			Metadata:       md,
			Data:           []byte(r.Data),
			RecordedAt:     r.RecordedAt,
		})
	}
	return out, nil
}

func (s *EventStore) find(q *gorm.DB) ([]eventcore.StoredEvent, error) {
	var rows []gormEvent
	if err := q.Order("global_position asc").Find(&rows).Error; err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	return fromRows(rows)
}

func (s *EventStore) GetEvents(ctx context.Context, streamID string, from, to uint64) ([]eventcore.StoredEvent, error) {
	q := s.db.WithContext(ctx).Where("stream_id = ?", streamID)
	if from != 0 {
		q = q.Where("stream_version >= ?", from)
	}
	if to != 0 {
		q = q.Where("stream_version <= ?", to)
	}
	return s.find(q)
}

func (s *EventStore) GetEventsByType(ctx context.Context, eventType string, limit, offset int) ([]eventcore.StoredEvent, error) {
	q := s.db.WithContext(ctx).Where("event_type = ?", eventType)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return s.find(q)
}

func (s *EventStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]eventcore.StoredEvent, error) {
	return s.find(s.db.WithContext(ctx).Where("correlation_id = ?", correlationID))
}

func (s *EventStore) GetLastEventVersion(ctx context.Context, streamID string) (uint64, error) {
	v, err := lastVersion(s.db.WithContext(ctx), streamID)
	if err != nil {
		return 0, eventcore.WrapEventStoreError(err)
	}
	return v, nil
}

// SaveSnapshot replaces any earlier snapshot of the aggregate.
func (s *EventStore) SaveSnapshot(ctx context.Context, snapshot eventcore.Snapshot) error {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = now()
	}
	row := gormSnapshot{
		AggregateID: snapshot.AggregateID,
		Version:     snapshot.Version,
		Data:        snapshot.Data,
		Timestamp:   snapshot.Timestamp,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	return eventcore.WrapEventStoreError(err)
}

func (s *EventStore) GetSnapshot(ctx context.Context, aggregateID string) (*eventcore.Snapshot, error) {
	var row gormSnapshot
	err := s.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	return &eventcore.Snapshot{
		AggregateID: row.AggregateID,
		Version:     row.Version,
		Data:        row.Data,
		Timestamp:   row.Timestamp,
	}, nil
}

func (s *EventStore) DeleteStream(ctx context.Context, streamID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("stream_id = ?", streamID).Delete(&gormEvent{})
		if res.Error != nil {
			return eventcore.WrapEventStoreError(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("delete stream %q: %w", streamID, eventcore.ErrStreamNotFound)
		}
		if err := tx.Where("aggregate_id = ?", streamID).Delete(&gormSnapshot{}).Error; err != nil {
			return eventcore.WrapEventStoreError(err)
		}
		s.logger.Info("stream deleted", zap.String("stream", streamID), zap.Int64("events", res.RowsAffected))
		return nil
	})
}

// Close closes the connection pool.
func (s *EventStore) Close() error {
	s.closeOnce.Do(func() {
		sqlDB, err := s.db.DB()
		if err != nil {
			s.closeErr = err
			return
		}
		s.closeErr = sqlDB.Close()
	})
	return s.closeErr
}
