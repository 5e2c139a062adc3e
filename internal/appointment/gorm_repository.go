package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hackgods/clinic-scheduling-core/internal/clock"
)

// appointmentRow is the gorm mapping of the appointments table used by the
// embedded SQLite deployment.
type appointmentRow struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Reference   string    `gorm:"size:16;not null;uniqueIndex"`
	PatientName string    `gorm:"not null"`
	PhoneNumber string    `gorm:"size:32;not null;index:idx_appointments_patient"`
	StartTime   time.Time `gorm:"not null;index"`
	EndTime     time.Time `gorm:"not null"`
	Reason      string    `gorm:"not null;default:''"`
	Status      string    `gorm:"size:16;not null;index"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
	CanceledAt  *time.Time
}

func (appointmentRow) TableName() string { return "appointments" }

func toRow(a *Appointment) appointmentRow {
	return appointmentRow{
		ID:          a.ID.String(),
		Reference:   a.Reference,
		PatientName: a.PatientName,
		PhoneNumber: a.PhoneNumber,
		StartTime:   a.StartTime.UTC(),
		EndTime:     a.EndTime().UTC(),
		Reason:      a.Reason,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt.UTC(),
		UpdatedAt:   a.UpdatedAt.UTC(),
		CanceledAt:  a.CanceledAt,
	}
}

func (r appointmentRow) toDomain() (Appointment, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Appointment{}, fmt.Errorf("parse appointment id %q: %w", r.ID, err)
	}
	a := Appointment{
		ID:          id,
		Reference:   r.Reference,
		PatientName: r.PatientName,
		PhoneNumber: r.PhoneNumber,
		StartTime:   r.StartTime.UTC(),
		Duration:    r.EndTime.Sub(r.StartTime),
		Reason:      r.Reason,
		Status:      Status(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.CanceledAt != nil {
		t := r.CanceledAt.UTC()
		a.CanceledAt = &t
	}
	return a, nil
}

func toDomainList(rows []appointmentRow) ([]Appointment, error) {
	result := make([]Appointment, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

// AutoMigrate creates or updates the appointments table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&appointmentRow{})
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &GormRepository{db: tx})
	})
}

func (r *GormRepository) Insert(ctx context.Context, a *Appointment) error {
	row := toRow(a)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}

		err := tx.Exec(`
			INSERT INTO notification_jobs (id, appointment_id, kind, status, attempts, last_error,
			                               next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', 0, '', ?, ?, ?)
			ON CONFLICT (appointment_id, kind) DO NOTHING
		`, uuid.NewString(), row.ID, ConfirmationJobKind, row.CreatedAt, row.CreatedAt, row.CreatedAt).Error
		if err != nil {
			return fmt.Errorf("insert confirmation job: %w", err)
		}
		return nil
	})
}

func (r *GormRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var row appointmentRow
	err := r.db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *GormRepository) ListByDate(ctx context.Context, day time.Time) ([]Appointment, error) {
	d := clock.Day(day)
	var rows []appointmentRow
	err := r.db.WithContext(ctx).
		Where("start_time >= ? AND start_time < ?", d.Start, d.End).
		Order("start_time, created_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(rows)
}

func (r *GormRepository) ListScheduledBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	var rows []appointmentRow
	err := r.db.WithContext(ctx).
		Where("status = ? AND start_time >= ? AND start_time < ?", string(StatusScheduled), from.UTC(), to.UTC()).
		Order("start_time").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(rows)
}

func (r *GormRepository) ListOverlapping(ctx context.Context, iv clock.Interval) ([]Appointment, error) {
	var rows []appointmentRow
	err := r.db.WithContext(ctx).
		Where("status = ? AND start_time < ? AND end_time > ?", string(StatusScheduled), iv.End.UTC(), iv.Start.UTC()).
		Order("start_time").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(rows)
}

func (r *GormRepository) FindScheduled(ctx context.Context, patientName, phoneNumber string, day time.Time) ([]Appointment, error) {
	d := clock.Day(day)
	var rows []appointmentRow
	err := r.db.WithContext(ctx).
		Where("status = ? AND lower(patient_name) = lower(?) AND phone_number = ?", string(StatusScheduled), patientName, phoneNumber).
		Where("start_time >= ? AND start_time < ?", d.Start, d.End).
		Order("start_time").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(rows)
}

func (r *GormRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     string(to),
		"updated_at": now,
	}
	if to == StatusCanceled {
		updates["canceled_at"] = now
	}

	res := r.db.WithContext(ctx).
		Model(&appointmentRow{}).
		Where("id = ? AND status = ?", id.String(), string(from)).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}

	a, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: appointment %s is not %s", ErrInvalidTransition, id, from)
	}
	return a, nil
}
