// Package journal keeps a queryable SQLite history of every committed notification.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iggydv12/maison/internal/event"
)

// DefaultLimit caps List when the filter sets no limit.
const DefaultLimit = 100

// Notification is one journaled event.
type Notification struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	Seq       uint64          `gorm:"uniqueIndex" json:"seq"`
	Type      string          `gorm:"index;size:64" json:"type"`
	Source    string          `gorm:"size:42" json:"source"`
	Payload   json.RawMessage `gorm:"type:text" json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Type     string
	AfterSeq uint64
	Limit    int
}

// Journal stores notifications in SQLite through gorm.
type Journal struct {
	db     *gorm.DB
	bus    *event.Bus
	subID  event.SubscriberID
	done   chan struct{}
	logger *zap.Logger
}

// Open opens the journal at path. An empty path keeps the journal in memory.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	var dsn string
	if path == "" {
		dsn = fmt.Sprintf("file:journal-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("journal conn: %w", err)
	}
	// one writer keeps an in-memory database alive and avoids SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Notification{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	logger.Info("Journal opened", zap.String("path", path), zap.Bool("inMemory", path == ""))
	return &Journal{db: db, logger: logger}, nil
}

// Attach subscribes the journal to every event on bus.
func (j *Journal) Attach(bus *event.Bus) {
	id, ch := bus.Subscribe(event.Any)
	j.bus, j.subID = bus, id
	j.done = make(chan struct{})
	go func() {
		defer close(j.done)
		for evt := range ch {
			if err := j.Record(context.Background(), evt); err != nil {
				j.logger.Error("Journal record failed",
					zap.String("type", string(evt.Type)),
					zap.Uint64("seq", evt.Seq),
					zap.Error(err),
				)
			}
		}
	}()
}

// Record stores evt. Recording the same sequence number twice is a no-op.
func (j *Journal) Record(ctx context.Context, evt event.Event) error {
	payload, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	n := Notification{
		ID:        evt.ID.String(),
		Seq:       evt.Seq,
		Type:      string(evt.Type),
		Source:    evt.Source,
		Payload:   payload,
		CreatedAt: evt.Timestamp,
	}
	return j.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&n).Error
}

// List returns notifications in sequence order.
func (j *Journal) List(ctx context.Context, f Filter) ([]Notification, error) {
	limit := f.Limit
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}
	q := j.db.WithContext(ctx).Order("seq asc").Limit(limit)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.AfterSeq > 0 {
		q = q.Where("seq > ?", f.AfterSeq)
	}
	var out []Notification
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal list: %w", err)
	}
	return out, nil
}

// Count returns the number of journaled notifications.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.WithContext(ctx).Model(&Notification{}).Count(&n).Error
	return n, err
}

// Close detaches from the bus, records what was already delivered, and closes the database.
func (j *Journal) Close() error {
	if j.bus != nil {
		j.bus.Unsubscribe(event.Any, j.subID)
		j.bus = nil
		<-j.done
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
