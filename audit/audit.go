// Package audit keeps an append-only record of client sessions: who
// registered, from where, and why the session ended. Writes are queued and
// applied by a background goroutine so callers never wait on the database.
package audit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("audit: unknown driver")

// Session is one registered client session.
type Session struct {
	ID        uint   `gorm:"primaryKey"`
	ConnID    uint64 `gorm:"index"`
	Nick      string `gorm:"size:64;index"`
	User      string `gorm:"size:16"`
	Host      string `gorm:"size:255"`
	RealName  string `gorm:"size:255"`
	Caps      string `gorm:"size:255"`
	StartedAt time.Time
	EndedAt   *time.Time
	EndReason string `gorm:"size:255"`
}

// Open connects to the database for driver and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite" || driver == "" {
		// In-memory databases exist per connection.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return db, nil
}

type op struct {
	started *Session
	connID  uint64
	reason  string
	at      time.Time
}

// Recorder queues session records for a database. A nil *Recorder discards
// every record.
type Recorder struct {
	db  *gorm.DB
	log logrus.FieldLogger

	ops       chan op
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewRecorder starts a recorder holding at most queue pending writes.
func NewRecorder(db *gorm.DB, queue int, log logrus.FieldLogger) *Recorder {
	if queue < 1 {
		queue = 1
	}
	r := &Recorder{
		db:  db,
		log: log.WithField("component", "audit"),
		ops: make(chan op, queue),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Started records the start of a session.
func (r *Recorder) Started(connID uint64, nick, user, host, realName string, caps []string, at time.Time) {
	r.enqueue(op{started: &Session{
		ConnID:    connID,
		Nick:      nick,
		User:      user,
		Host:      host,
		RealName:  realName,
		Caps:      strings.Join(caps, " "),
		StartedAt: at,
	}})
}

// Ended records the end of the open session on connID.
func (r *Recorder) Ended(connID uint64, reason string, at time.Time) {
	r.enqueue(op{connID: connID, reason: reason, at: at})
}

func (r *Recorder) enqueue(o op) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- o:
	default:
		r.log.Warn("audit queue full, dropping record")
	}
}

// Close applies every queued write and stops the recorder.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ops)
		r.mu.Unlock()
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	// Rows opened by this recorder, by connection id. Ids restart with
	// each process, so rows from earlier runs are never matched.
	open := make(map[uint64]uint)
	for o := range r.ops {
		if o.started != nil {
			if err := r.db.Create(o.started).Error; err != nil {
				r.log.WithError(err).Error("failed to write audit record")
				continue
			}
			open[o.started.ConnID] = o.started.ID
			continue
		}

		id, ok := open[o.connID]
		if !ok {
			r.log.WithField("conn", o.connID).Debug("no open audit record")
			continue
		}
		delete(open, o.connID)
		err := r.db.Model(&Session{}).
			Where("id = ?", id).
			Updates(map[string]any{"ended_at": o.at, "end_reason": o.reason}).Error
		if err != nil {
			r.log.WithError(err).Error("failed to write audit record")
		}
	}
}

// Recent returns up to limit sessions, newest first.
func Recent(db *gorm.DB, limit int) ([]Session, error) {
	var out []Session
	err := db.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Recent returns up to limit sessions written by r, newest first. A nil
// recorder has none.
func (r *Recorder) Recent(limit int) ([]Session, error) {
	if r == nil {
		return nil, nil
	}
	return Recent(r.db, limit)
}
