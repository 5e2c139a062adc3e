package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type jobRow struct {
	ID            string     `gorm:"primaryKey;size:36"`
	AppointmentID string     `gorm:"size:36;not null;uniqueIndex:ux_notification_jobs_key"`
	Kind          string     `gorm:"size:32;not null;uniqueIndex:ux_notification_jobs_key"`
	Status        string     `gorm:"size:16;not null;index:idx_notification_jobs_due"`
	Attempts      int        `gorm:"not null;default:0"`
	LastError     string     `gorm:"not null;default:''"`
	NextAttemptAt time.Time  `gorm:"not null;index:idx_notification_jobs_due"`
	LeaseUntil    *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
	SentAt        *time.Time
}

func (jobRow) TableName() string { return "notification_jobs" }

func (r jobRow) toDomain() (Job, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Job{}, fmt.Errorf("parse job id %q: %w", r.ID, err)
	}
	apptID, err := uuid.Parse(r.AppointmentID)
	if err != nil {
		return Job{}, fmt.Errorf("parse appointment id %q: %w", r.AppointmentID, err)
	}
	return Job{
		ID:            id,
		AppointmentID: apptID,
		Kind:          Kind(r.Kind),
		Status:        Status(r.Status),
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		NextAttemptAt: r.NextAttemptAt.UTC(),
		LeaseUntil:    utcPtr(r.LeaseUntil),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
		SentAt:        utcPtr(r.SentAt),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// AutoMigrate creates or updates the notification_jobs table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&jobRow{})
}

// GormLedger is the Ledger for the embedded SQLite deployment.
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Ensure(ctx context.Context, appointmentID uuid.UUID, kind Kind, now time.Time) (*Job, error) {
	now = now.UTC()
	row := jobRow{
		ID:            uuid.NewString(),
		AppointmentID: appointmentID.String(),
		Kind:          string(kind),
		Status:        string(StatusPending),
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "appointment_id"}, {Name: "kind"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("ensure notification job: %w", err)
	}
	return l.GetByKey(ctx, appointmentID, kind)
}

func (l *GormLedger) find(ctx context.Context, query string, args ...any) (*Job, error) {
	var row jobRow
	err := l.db.WithContext(ctx).Where(query, args...).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	job, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (l *GormLedger) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return l.find(ctx, "id = ?", id.String())
}

func (l *GormLedger) GetByKey(ctx context.Context, appointmentID uuid.UUID, kind Kind) (*Job, error) {
	return l.find(ctx, "appointment_id = ? AND kind = ?", appointmentID.String(), string(kind))
}

func (l *GormLedger) Claim(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*Job, error) {
	now = now.UTC()
	res := l.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("id = ? AND status = ? AND (lease_until IS NULL OR lease_until < ?)", id.String(), string(StatusPending), now).
		Updates(map[string]any{
			"lease_until": now.Add(lease),
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim notification job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotClaimable
	}
	return l.Get(ctx, id)
}

func (l *GormLedger) RecordAttempt(ctx context.Context, id uuid.UUID, attempts int, lastErr string, nextAttemptAt, leaseUntil time.Time) error {
	res := l.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("id = ? AND status = ?", id.String(), string(StatusPending)).
		Updates(map[string]any{
			"attempts":        attempts,
			"last_error":      lastErr,
			"next_attempt_at": nextAttemptAt.UTC(),
			"lease_until":     leaseUntil.UTC(),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("record attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

func (l *GormLedger) finish(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	res := l.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("id = ? AND status = ?", id.String(), string(StatusPending)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

func (l *GormLedger) MarkSent(ctx context.Context, id uuid.UUID, attempts int, at time.Time) error {
	at = at.UTC()
	return l.finish(ctx, id, map[string]any{
		"status":      string(StatusSent),
		"attempts":    attempts,
		"last_error":  "",
		"sent_at":     at,
		"lease_until": nil,
		"updated_at":  at,
	})
}

func (l *GormLedger) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string, at time.Time) error {
	at = at.UTC()
	return l.finish(ctx, id, map[string]any{
		"status":      string(StatusFailed),
		"attempts":    attempts,
		"last_error":  lastErr,
		"lease_until": nil,
		"updated_at":  at,
	})
}

func (l *GormLedger) list(ctx context.Context, q *gorm.DB) ([]Job, error) {
	var rows []jobRow
	if err := q.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (l *GormLedger) ListDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	return l.list(ctx, l.db.
		Where("status = ? AND next_attempt_at <= ? AND (lease_until IS NULL OR lease_until < ?)", string(StatusPending), now, now).
		Order("next_attempt_at").
		Limit(limit))
}

func (l *GormLedger) ListFailed(ctx context.Context, limit int) ([]Job, error) {
	return l.list(ctx, l.db.
		Where("status = ?", string(StatusFailed)).
		Order("updated_at DESC").
		Limit(limit))
}
