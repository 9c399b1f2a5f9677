package services

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/alignment"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/cache"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/events"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories/memory"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/storage"
	"github.com/stretchr/testify/require"
)

const (
	pageWidth  = 300
	pageHeight = 400
)

type fixture struct {
	repo      *memory.Repository
	images    *storage.MemoryStore
	publisher *events.MockEventPublisher
	cache     *mapCache
	services  ServiceManager
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, engine extraction.Engine, cfg EvaluationConfig) *fixture {
	t.Helper()
	logger := discardLogger()
	f := &fixture{
		repo:      memory.NewRepository(),
		images:    storage.NewMemoryStore(),
		publisher: events.NewMockEventPublisher(logger),
		cache:     newMapCache(),
	}
	f.services = NewServiceManager(Dependencies{
		Repo:       f.repo,
		Images:     f.images,
		Aligner:    alignment.NewEngine(alignment.DefaultConfig(), logger),
		Extractor:  extraction.NewAdapter(engine, extraction.AdapterConfig{Timeout: 5 * time.Second}, logger),
		Locker:     cache.NewLocalLocker(),
		Cache:      f.cache,
		Publisher:  f.publisher,
		Evaluation: cfg,
		Logger:     logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.services.Shutdown(ctx)
	})
	return f
}

// blockTexture draws cells of random grey so every cell junction is a
// distinctive corner.
func blockTexture(w, h, cell int, seed uint64) *image.Gray {
	rng := rand.New(rand.NewPCG(seed, 7))
	cols := (w + cell - 1) / cell
	rows := (h + cell - 1) / cell
	values := make([]uint8, cols*rows)
	for i := range values {
		values[i] = uint8(20 + rng.IntN(216))
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: values[(y/cell)*cols+x/cell]})
		}
	}
	return img
}

func uniformPage(level uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, pageWidth, pageHeight))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	return img
}

func (f *fixture) storeImage(t *testing.T, img image.Image) string {
	t.Helper()
	ref, err := storage.SaveImage(context.Background(), f.images, img)
	require.NoError(t, err)
	return ref
}

func geographyRegions() []RegionRequest {
	return []RegionRequest{
		{QuestionNumber: 1, QuestionText: "Capital of India?", Rect: geometry.Rect{X: 0.05, Y: 0.05, Width: 0.4, Height: 0.2}, ExpectedAnswer: "New Delhi"},
		{QuestionNumber: 2, QuestionText: "Largest planet?", Rect: geometry.Rect{X: 0.05, Y: 0.4, Width: 0.4, Height: 0.2}, ExpectedAnswer: "Jupiter"},
		{QuestionNumber: 3, QuestionText: "How do plants make food?", Rect: geometry.Rect{X: 0.5, Y: 0.4, Width: 0.4, Height: 0.2}, ExpectedAnswer: "Photosynthesis"},
	}
}

func (f *fixture) createTemplate(t *testing.T, regions []RegionRequest) *models.Template {
	t.Helper()
	ref := f.storeImage(t, blockTexture(pageWidth, pageHeight, 30, 9))
	tpl, err := f.services.Template().Create(context.Background(), &CreateTemplateRequest{
		Name:     "Geography quiz",
		ImageRef: ref,
		Regions:  regions,
	}, "teacher")
	require.NoError(t, err)
	return tpl
}

// alignedSheet registers a sheet that is already aligned. Its aligned image
// is a uniform grey page whose level identifies the student to scriptedOCR.
func (f *fixture) alignedSheet(t *testing.T, tpl *models.Template, studentID string, level uint8) *models.StudentSheet {
	t.Helper()
	ref := f.storeImage(t, uniformPage(level))
	sheet := models.NewStudentSheet(tpl.ID, studentID, ref)
	sheet.Status = models.SheetAligned
	sheet.AlignedImageRef = &ref
	sheet.AlignmentConfidence = 95
	require.NoError(t, f.repo.Sheet().Create(context.Background(), sheet))
	return sheet
}

// pendingSheet registers a sheet through the service so it goes through
// alignment.
func (f *fixture) pendingSheet(t *testing.T, tpl *models.Template, studentID string, img image.Image) *models.StudentSheet {
	t.Helper()
	sheet, err := f.services.Sheet().Register(context.Background(), &RegisterSheetRequest{
		TemplateID: tpl.ID,
		StudentID:  studentID,
		ImageRef:   f.storeImage(t, img),
	}, "teacher")
	require.NoError(t, err)
	return sheet
}

// questionOf recovers the question number from an extraction input id.
func questionOf(in extraction.Input) int {
	i := strings.LastIndex(in.ID, "-q")
	n, _ := strconv.Atoi(in.ID[i+2:])
	return n
}

// levelOf reads the grey level of the top-left pixel of the cropped region.
func levelOf(in extraction.Input) uint8 {
	img, err := png.Decode(bytes.NewReader(in.Image))
	if err != nil {
		return 0
	}
	return color.GrayModel.Convert(img.At(0, 0)).(color.Gray).Y
}

// scriptedOCR answers per page level and question number.
func scriptedOCR(answers map[uint8]map[int]string) extraction.Engine {
	return extraction.EngineFunc(func(_ context.Context, in extraction.Input) (extraction.Output, error) {
		text := answers[levelOf(in)][questionOf(in)]
		return extraction.Output{Text: text, Confidence: 88}, nil
	})
}

func waitRun(t *testing.T, handle *RunHandle) *RunOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outcome, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	return outcome
}

// mapCache is an in-memory CacheService.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
	return nil
}

func (c *mapCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	data, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) DeletePattern(_ context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
	return nil
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}
