// Package memory holds in-process repositories for tests and local runs.
// Records are copied on the way in and out so callers never share state with
// the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
)

type Repository struct {
	mu sync.RWMutex

	templates map[string]*models.Template
	sheets    map[string]*models.StudentSheet
	attempts  map[string]*models.AlignmentAttempt
	runs      map[string]*models.EvaluationRun
	answers   map[string][]models.ExtractedAnswer
	results   map[string][]models.EvaluationResult
	failures  map[string][]models.SheetFailure

	// FailSaveOutcome, when set, makes SaveSheetOutcome fail for the given
	// sheet id.
	FailSaveOutcome func(sheetID string) error
}

func NewRepository() *Repository {
	return &Repository{
		templates: make(map[string]*models.Template),
		sheets:    make(map[string]*models.StudentSheet),
		attempts:  make(map[string]*models.AlignmentAttempt),
		runs:      make(map[string]*models.EvaluationRun),
		answers:   make(map[string][]models.ExtractedAnswer),
		results:   make(map[string][]models.EvaluationResult),
		failures:  make(map[string][]models.SheetFailure),
	}
}

func (r *Repository) Template() repositories.TemplateRepository     { return templateRepo{r} }
func (r *Repository) Sheet() repositories.SheetRepository           { return sheetRepo{r} }
func (r *Repository) Evaluation() repositories.EvaluationRepository { return evaluationRepo{r} }

func missing(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, repositories.ErrNotFound)
}

func copyTemplate(t *models.Template) *models.Template {
	out := *t
	out.Regions = append([]models.Region(nil), t.Regions...)
	return &out
}

// ===== TEMPLATES =====

type templateRepo struct{ *Repository }

func (r templateRepo) Create(_ context.Context, template *models.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[template.ID]; exists {
		return fmt.Errorf("template %s already exists", template.ID)
	}
	now := time.Now()
	template.CreatedAt, template.UpdatedAt = now, now
	for i := range template.Regions {
		template.Regions[i].TemplateID = template.ID
		template.Regions[i].CreatedAt = now
	}
	r.templates[template.ID] = copyTemplate(template)
	return nil
}

func (r templateRepo) GetByID(_ context.Context, id string) (*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, missing("template", id)
	}
	out := copyTemplate(t)
	out.Regions = out.SortedRegions()
	return out, nil
}

func (r templateRepo) ListVersions(_ context.Context, name string) ([]*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Template
	for _, t := range r.templates {
		if t.Name == name {
			out = append(out, copyTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r templateRepo) Lock(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[id]
	if !ok {
		return missing("template", id)
	}
	t.Locked = true
	return nil
}

func (r templateRepo) AddRegion(_ context.Context, region *models.Region) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[region.TemplateID]
	if !ok {
		return missing("template", region.TemplateID)
	}
	if _, dup := t.RegionByQuestion(region.QuestionNumber); dup {
		return fmt.Errorf("%w: Q%d", apperrors.ErrDuplicateQuestionNumber, region.QuestionNumber)
	}
	region.CreatedAt = time.Now()
	t.Regions = append(t.Regions, *region)
	t.UpdatedAt = region.CreatedAt
	return nil
}

func (r templateRepo) DeleteRegion(_ context.Context, templateID, regionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.templates[templateID]; ok && t.RemoveRegion(regionID) {
		t.UpdatedAt = time.Now()
	}
	return nil
}

// ===== SHEETS =====

type sheetRepo struct{ *Repository }

func (r sheetRepo) Create(_ context.Context, sheet *models.StudentSheet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	sheet.CreatedAt, sheet.UpdatedAt = now, now
	s := *sheet
	r.sheets[sheet.ID] = &s
	return nil
}

func (r sheetRepo) GetByID(_ context.Context, id string) (*models.StudentSheet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sheets[id]
	if !ok {
		return nil, missing("sheet", id)
	}
	out := *s
	return &out, nil
}

func (r sheetRepo) GetByIDs(_ context.Context, ids []string) ([]*models.StudentSheet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.StudentSheet, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sheets[id]; ok {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (r sheetRepo) ListByTemplate(_ context.Context, templateID string) ([]*models.StudentSheet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.StudentSheet
	for _, s := range r.sheets {
		if s.TemplateID == templateID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (r sheetRepo) CreateAttempt(_ context.Context, attempt *models.AlignmentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sheets[attempt.SheetID]; !ok {
		return missing("sheet", attempt.SheetID)
	}
	a := *attempt
	r.attempts[attempt.ID] = &a
	return nil
}

func (r sheetRepo) FinishAttempt(_ context.Context, sheet *models.StudentSheet, attempt *models.AlignmentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.attempts[attempt.ID]
	if !ok {
		return missing("alignment attempt", attempt.ID)
	}
	if stored.Status != models.SheetPending {
		return models.ErrAttemptFinalized
	}
	if _, ok := r.sheets[sheet.ID]; !ok {
		return missing("sheet", sheet.ID)
	}
	a := *attempt
	r.attempts[attempt.ID] = &a
	sheet.UpdatedAt = time.Now()
	s := *sheet
	r.sheets[sheet.ID] = &s
	return nil
}

func (r sheetRepo) ListAttempts(_ context.Context, sheetID string) ([]*models.AlignmentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.AlignmentAttempt
	for _, a := range r.attempts {
		if a.SheetID == sheetID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ===== EVALUATIONS =====

type evaluationRepo struct{ *Repository }

func (r evaluationRepo) CreateRun(_ context.Context, run *models.EvaluationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *run
	r.runs[run.ID] = &c
	return nil
}

func (r evaluationRepo) GetRun(_ context.Context, id string) (*models.EvaluationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, missing("evaluation run", id)
	}
	c := *run
	return &c, nil
}

func (r evaluationRepo) FinishRun(_ context.Context, run *models.EvaluationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.runs[run.ID]
	if !ok {
		return missing("evaluation run", run.ID)
	}
	stored.Status = run.Status
	stored.Error = run.Error
	stored.CompletedAt = run.CompletedAt
	return nil
}

func (r evaluationRepo) ListRunning(_ context.Context) ([]*models.EvaluationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.EvaluationRun
	for _, run := range r.runs {
		if run.Status == models.RunRunning {
			c := *run
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r evaluationRepo) SaveSheetOutcome(_ context.Context, runID string, answers []models.ExtractedAnswer, results []models.EvaluationResult) error {
	if r.FailSaveOutcome != nil && len(results) > 0 {
		if err := r.FailSaveOutcome(results[0].SheetID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return missing("evaluation run", runID)
	}
	for _, res := range results {
		for _, existing := range r.results[runID] {
			if existing.StudentID == res.StudentID && existing.QuestionNumber == res.QuestionNumber {
				return fmt.Errorf("duplicate result for student %s Q%d", res.StudentID, res.QuestionNumber)
			}
		}
	}
	r.answers[runID] = append(r.answers[runID], answers...)
	r.results[runID] = append(r.results[runID], results...)
	run.CompletedSheets++
	return nil
}

func (r evaluationRepo) RecordSheetFailure(_ context.Context, failure *models.SheetFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[failure.RunID]
	if !ok {
		return missing("evaluation run", failure.RunID)
	}
	for _, existing := range r.failures[failure.RunID] {
		if existing.SheetID == failure.SheetID {
			return fmt.Errorf("duplicate failure for sheet %s", failure.SheetID)
		}
	}
	r.failures[failure.RunID] = append(r.failures[failure.RunID], *failure)
	run.FailedSheets++
	return nil
}

func (r evaluationRepo) ListResults(_ context.Context, runID string) ([]models.EvaluationResult, error) {
	r.mu.RLock()
	out := append([]models.EvaluationResult{}, r.results[runID]...)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].QuestionNumber < out[j].QuestionNumber
	})
	return out, nil
}

func (r evaluationRepo) ListExtractedAnswers(_ context.Context, runID string) ([]models.ExtractedAnswer, error) {
	r.mu.RLock()
	out := append([]models.ExtractedAnswer{}, r.answers[runID]...)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SheetID != out[j].SheetID {
			return out[i].SheetID < out[j].SheetID
		}
		return out[i].QuestionNumber < out[j].QuestionNumber
	})
	return out, nil
}

func (r evaluationRepo) ListSheetFailures(_ context.Context, runID string) ([]models.SheetFailure, error) {
	r.mu.RLock()
	out := append([]models.SheetFailure{}, r.failures[runID]...)
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].SheetID < out[j].SheetID
	})
	return out, nil
}
