package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

// SessionRecord is the persisted form of a finalized session.
type SessionRecord struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	Device          string    `json:"device"`
	Query           string    `json:"query"`
	TargetURL       string    `json:"targetUrl"`
	Egress          string    `json:"egress"`
	State           string    `json:"state"`
	OutcomeStatus   string    `json:"outcomeStatus"`
	OutcomeReason   string    `json:"outcomeReason"`
	StartedAt       time.Time `gorm:"index" json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	DurationSeconds float64   `json:"durationSeconds"`
}

// TableName keeps the original schema name.
func (SessionRecord) TableName() string { return "sessions" }

// EventRecord is one persisted event row. The payload is stored as JSON so
// the schema stays stable while payload types evolve.
type EventRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index" json:"sessionId"`
	EventType string    `gorm:"index" json:"eventType"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Payload   string    `json:"payload"`
}

// TableName keeps the original schema name.
func (EventRecord) TableName() string { return "events" }

// Store is the sqlite-backed append-only sink plus the read side consumed
// by the HTTP layer. The core only ever calls Write and SaveSession.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (creating if needed) the database at path and migrates
// the schema. ":memory:" is accepted for tests.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("events: create data directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("events: open database: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &EventRecord{}); err != nil {
		return nil, fmt.Errorf("events: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Write implements Sink.
func (s *Store) Write(e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	rec := EventRecord{
		SessionID: e.SessionID,
		EventType: string(e.Type),
		Timestamp: e.Timestamp,
		Payload:   string(payload),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("events: insert event: %w", err)
	}
	return nil
}

// SaveSession upserts the finalized session row.
func (s *Store) SaveSession(sess *models.Session) error {
	rec := SessionRecord{
		ID:              sess.ID,
		Device:          sess.Device.Name,
		Query:           sess.TargetQuery,
		TargetURL:       sess.TargetURL,
		Egress:          sess.EgressAddr,
		State:           string(sess.State),
		OutcomeStatus:   string(sess.Outcome.Status),
		OutcomeReason:   sess.Outcome.Reason,
		StartedAt:       sess.StartedAt,
		EndedAt:         sess.EndedAt,
		DurationSeconds: sess.Duration().Seconds(),
	}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("events: save session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	var out []SessionRecord
	err := s.db.Order("started_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Events returns up to limit events, newest first, optionally filtered by
// session and type.
func (s *Store) Events(sessionID, eventType string, limit int) ([]EventRecord, error) {
	q := s.db.Order("timestamp DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	var out []EventRecord
	err := q.Find(&out).Error
	return out, err
}

// Statistics is the aggregate view over everything persisted so far.
type Statistics struct {
	TotalSessions      int64   `json:"totalSessions"`
	SuccessfulSessions int64   `json:"successfulSessions"`
	FailedSessions     int64   `json:"failedSessions"`
	TotalClicks        int64   `json:"totalClicks"`
	AverageDuration    float64 `json:"averageDuration"`
	SuccessRate        float64 `json:"successRate"`
}

// Statistics recomputes the aggregate on demand.
func (s *Store) Statistics() (Statistics, error) {
	var stats Statistics

	if err := s.db.Model(&SessionRecord{}).Count(&stats.TotalSessions).Error; err != nil {
		return stats, err
	}
	if err := s.db.Model(&SessionRecord{}).
		Where("outcome_status = ?", string(models.OutcomeSuccess)).
		Count(&stats.SuccessfulSessions).Error; err != nil {
		return stats, err
	}
	if err := s.db.Model(&SessionRecord{}).
		Where("outcome_status = ?", string(models.OutcomeFailure)).
		Count(&stats.FailedSessions).Error; err != nil {
		return stats, err
	}
	if err := s.db.Model(&EventRecord{}).
		Where("event_type = ?", string(TypeClick)).
		Count(&stats.TotalClicks).Error; err != nil {
		return stats, err
	}

	var avg *float64
	if err := s.db.Model(&SessionRecord{}).
		Select("AVG(duration_seconds)").Scan(&avg).Error; err != nil {
		return stats, err
	}
	if avg != nil {
		stats.AverageDuration = *avg
	}
	if stats.TotalSessions > 0 {
		stats.SuccessRate = float64(stats.SuccessfulSessions) / float64(stats.TotalSessions)
	}
	return stats, nil
}
