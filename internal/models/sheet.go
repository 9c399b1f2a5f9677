package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type SheetStatus string

const (
	SheetPending SheetStatus = "pending"
	SheetAligned SheetStatus = "aligned"
	SheetFailed  SheetStatus = "failed"

	// AttemptAbandoned marks an attempt that stopped for a reason unrelated
	// to the image, such as cancellation. Sheets never take this status.
	AttemptAbandoned SheetStatus = "abandoned"
)

var ErrAttemptFinalized = errors.New("alignment attempt already finalized")

// StudentSheet is one scanned answer sheet. Its status mirrors the latest
// alignment attempt.
type StudentSheet struct {
	ID         string `json:"id" gorm:"primaryKey;size:36"`
	TemplateID string `json:"template_id" gorm:"not null;size:36;index"`
	StudentID  string `json:"student_id" gorm:"not null;size:255;index"`
	ImageRef   string `json:"image_ref" gorm:"not null;size:500"`

	// Alignment state
	Status              SheetStatus `json:"status" gorm:"not null;default:pending;index"`
	AlignmentConfidence float64     `json:"alignment_confidence"`
	LowConfidence       bool        `json:"low_confidence"`
	AlignedImageRef     *string     `json:"aligned_image_ref,omitempty" gorm:"size:500"`
	CurrentAttemptID    *string     `json:"current_attempt_id,omitempty" gorm:"size:36"`
	AttemptCount        int         `json:"attempt_count" gorm:"default:0"`
	FailureReason       string      `json:"failure_reason,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AlignmentAttempt records one alignment of a sheet. Attempts move from
// pending to aligned, failed or abandoned exactly once and are never
// rewritten after.
type AlignmentAttempt struct {
	ID      string      `json:"id" gorm:"primaryKey;size:36"`
	SheetID string      `json:"sheet_id" gorm:"not null;size:36;index"`
	Number  int         `json:"number" gorm:"not null"`
	Status  SheetStatus `json:"status" gorm:"not null;default:pending"`

	Confidence      float64        `json:"confidence"`
	LowConfidence   bool           `json:"low_confidence"`
	Correspondences int            `json:"correspondences"`
	Inliers         int            `json:"inliers"`
	MeanResidual    float64        `json:"mean_residual"`
	Transform       datatypes.JSON `json:"transform,omitempty" gorm:"type:jsonb"` // [a b tx c d ty]
	AlignedImageRef *string        `json:"aligned_image_ref,omitempty" gorm:"size:500"`
	Error           string         `json:"error,omitempty" gorm:"type:text"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// AlignmentOutcome carries the measurements of a successful alignment.
type AlignmentOutcome struct {
	Confidence      float64
	LowConfidence   bool
	Correspondences int
	Inliers         int
	MeanResidual    float64
	Transform       datatypes.JSON
	AlignedImageRef string
}

// NewStudentSheet registers a sheet awaiting alignment.
func NewStudentSheet(templateID, studentID, imageRef string) *StudentSheet {
	return &StudentSheet{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		StudentID:  studentID,
		ImageRef:   imageRef,
		Status:     SheetPending,
	}
}

// BeginAttempt opens a new pending attempt numbered after the existing ones.
// The sheet itself keeps its previous state until the attempt finishes.
func (s *StudentSheet) BeginAttempt(now time.Time) *AlignmentAttempt {
	return &AlignmentAttempt{
		ID:        uuid.NewString(),
		SheetID:   s.ID,
		Number:    s.AttemptCount + 1,
		Status:    SheetPending,
		StartedAt: now,
	}
}

// Succeed finalizes the attempt as aligned.
func (a *AlignmentAttempt) Succeed(out AlignmentOutcome, now time.Time) error {
	if a.Status != SheetPending {
		return ErrAttemptFinalized
	}
	ref := out.AlignedImageRef
	a.Status = SheetAligned
	a.Confidence = out.Confidence
	a.LowConfidence = out.LowConfidence
	a.Correspondences = out.Correspondences
	a.Inliers = out.Inliers
	a.MeanResidual = out.MeanResidual
	a.Transform = out.Transform
	a.AlignedImageRef = &ref
	a.CompletedAt = &now
	return nil
}

// Fail finalizes the attempt as failed.
func (a *AlignmentAttempt) Fail(reason string, correspondences int, now time.Time) error {
	if a.Status != SheetPending {
		return ErrAttemptFinalized
	}
	a.Status = SheetFailed
	a.Error = reason
	a.Correspondences = correspondences
	a.CompletedAt = &now
	return nil
}

// Abandon finalizes the attempt without judging the sheet.
func (a *AlignmentAttempt) Abandon(reason string, now time.Time) error {
	if a.Status != SheetPending {
		return ErrAttemptFinalized
	}
	a.Status = AttemptAbandoned
	a.Error = reason
	a.CompletedAt = &now
	return nil
}

// ApplyAttempt makes a finalized attempt the sheet's current state. An
// abandoned attempt only advances the attempt count.
func (s *StudentSheet) ApplyAttempt(a *AlignmentAttempt) {
	if a.Status == SheetPending {
		return
	}
	if a.Number > s.AttemptCount {
		s.AttemptCount = a.Number
	}
	if a.Status == AttemptAbandoned {
		return
	}
	id := a.ID
	s.CurrentAttemptID = &id
	s.Status = a.Status
	s.AlignmentConfidence = a.Confidence
	s.LowConfidence = a.LowConfidence

	if a.Status == SheetAligned {
		s.AlignedImageRef = a.AlignedImageRef
		s.FailureReason = ""
	} else {
		s.AlignedImageRef = nil
		s.FailureReason = a.Error
	}
}

// IsAligned reports whether the sheet has a usable aligned image.
func (s *StudentSheet) IsAligned() bool {
	return s.Status == SheetAligned && s.AlignedImageRef != nil
}
