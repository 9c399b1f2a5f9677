package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
	"github.com/google/uuid"
)

// Template is a blank question paper with the answer regions marked on it.
// A template referenced by an evaluation run is locked; edits to a locked
// template produce a new version instead.
type Template struct {
	ID      string `json:"id" gorm:"primaryKey;size:36"`
	Name    string `json:"name" gorm:"not null;size:200;index:idx_template_name_version"`
	Version int    `json:"version" gorm:"not null;default:1;index:idx_template_name_version"`

	// Source image
	ImageRef    string `json:"image_ref" gorm:"not null;size:500"`
	ImageWidth  int    `json:"image_width"`
	ImageHeight int    `json:"image_height"`

	Locked    bool   `json:"locked" gorm:"default:false"`
	CreatedBy string `json:"created_by" gorm:"size:255"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Regions []Region `json:"regions" gorm:"foreignKey:TemplateID;constraint:OnDelete:CASCADE"`
}

// Region is the answer area for one question, in normalized coordinates.
type Region struct {
	ID             string        `json:"id" gorm:"primaryKey;size:36"`
	TemplateID     string        `json:"template_id" gorm:"not null;size:36;uniqueIndex:idx_region_template_question"`
	QuestionNumber int           `json:"question_number" gorm:"not null;uniqueIndex:idx_region_template_question"`
	QuestionText   string        `json:"question_text,omitempty" gorm:"type:text"`
	Rect           geometry.Rect `json:"rect" gorm:"embedded;embeddedPrefix:rect_"`
	ExpectedAnswer string        `json:"expected_answer" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
}

// NewTemplate returns an unlocked version-1 template with no regions.
func NewTemplate(name, imageRef string, width, height int) *Template {
	return &Template{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Version:     1,
		ImageRef:    imageRef,
		ImageWidth:  width,
		ImageHeight: height,
		Regions:     []Region{},
	}
}

// AddRegion appends a region for questionNumber. Overlapping rectangles are
// accepted; a question number may only be mapped once.
func (t *Template) AddRegion(rect geometry.Rect, questionNumber int, expectedAnswer, questionText string) (*Region, error) {
	if err := rect.Validate(); err != nil {
		return nil, err
	}
	if questionNumber <= 0 {
		return nil, fmt.Errorf("%w: got %d", apperrors.ErrInvalidQuestionNumber, questionNumber)
	}
	if _, exists := t.RegionByQuestion(questionNumber); exists {
		return nil, fmt.Errorf("%w: Q%d", apperrors.ErrDuplicateQuestionNumber, questionNumber)
	}

	t.Regions = append(t.Regions, Region{
		ID:             uuid.NewString(),
		TemplateID:     t.ID,
		QuestionNumber: questionNumber,
		QuestionText:   strings.TrimSpace(questionText),
		Rect:           rect,
		ExpectedAnswer: strings.TrimSpace(expectedAnswer),
	})
	return &t.Regions[len(t.Regions)-1], nil
}

// RemoveRegion deletes the region with the given id. Removing an id that is
// not present is a no-op; the return value reports whether anything changed.
func (t *Template) RemoveRegion(regionID string) bool {
	for i := range t.Regions {
		if t.Regions[i].ID == regionID {
			t.Regions = append(t.Regions[:i], t.Regions[i+1:]...)
			return true
		}
	}
	return false
}

// HasRegion reports whether a region with regionID exists.
func (t *Template) HasRegion(regionID string) bool {
	for i := range t.Regions {
		if t.Regions[i].ID == regionID {
			return true
		}
	}
	return false
}

// RegionByQuestion returns the region mapped to questionNumber.
func (t *Template) RegionByQuestion(questionNumber int) (*Region, bool) {
	for i := range t.Regions {
		if t.Regions[i].QuestionNumber == questionNumber {
			return &t.Regions[i], true
		}
	}
	return nil, false
}

// SortedRegions returns the regions ordered by question number.
func (t *Template) SortedRegions() []Region {
	out := make([]Region, len(t.Regions))
	copy(out, t.Regions)
	sort.Slice(out, func(i, j int) bool {
		return out[i].QuestionNumber < out[j].QuestionNumber
	})
	return out
}

// ValidateForEvaluation checks the template can back an evaluation run.
func (t *Template) ValidateForEvaluation() error {
	if len(t.Regions) == 0 {
		return apperrors.ErrTemplateHasNoRegions
	}
	seen := make(map[int]bool, len(t.Regions))
	for _, r := range t.Regions {
		if err := r.Rect.Validate(); err != nil {
			return fmt.Errorf("region Q%d: %w", r.QuestionNumber, err)
		}
		if seen[r.QuestionNumber] {
			return fmt.Errorf("%w: Q%d", apperrors.ErrDuplicateQuestionNumber, r.QuestionNumber)
		}
		seen[r.QuestionNumber] = true
	}
	return nil
}

// AnswerKey derives the answer key from the regions' expected answers.
// Regions without an expected answer are left out.
func (t *Template) AnswerKey() AnswerKey {
	key := make(AnswerKey, len(t.Regions))
	for _, r := range t.Regions {
		if r.ExpectedAnswer != "" {
			key[r.QuestionNumber] = r.ExpectedAnswer
		}
	}
	return key
}

// NextVersion returns an unlocked copy of the template with Version+1, a new
// id, and freshly identified regions.
func (t *Template) NextVersion() *Template {
	next := &Template{
		ID:          uuid.NewString(),
		Name:        t.Name,
		Version:     t.Version + 1,
		ImageRef:    t.ImageRef,
		ImageWidth:  t.ImageWidth,
		ImageHeight: t.ImageHeight,
		CreatedBy:   t.CreatedBy,
		Regions:     make([]Region, 0, len(t.Regions)),
	}
	for _, r := range t.Regions {
		r.ID = uuid.NewString()
		r.TemplateID = next.ID
		r.CreatedAt = time.Time{}
		next.Regions = append(next.Regions, r)
	}
	return next
}
