// Package store implements the Job Store (spec.md §4.2): the single
// source of durable job lifecycle state, backed by an embedded SQLite
// database through gorm, grounded on the teacher's
// internal/data/repos/jobs/job_run.go claim/update pattern.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/logger"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store is the Job Store. All mutations funnel through its methods; there
// is no other durable writer in the system (spec.md §5 "sole writer").
type Store struct {
	db  *gorm.DB
	log *logger.Logger
	// mu serializes writes so pagination snapshots (spec.md §4.2) and the
	// status-DAG check-then-set happen without a TOCTOU window. SQLite is
	// single-writer anyway; this makes that explicit at the Go level too.
	mu sync.Mutex
}

// Open creates/attaches to a SQLite database file at path and migrates the
// schema. path may be ":memory:" for tests.
func Open(path string, log *logger.Logger) (*Store, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	// The pool holds a single connection, so every read and write runs on
	// it in turn; WAL journaling is enabled on that connection.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := gdb.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: gdb, log: log.With("component", "JobStore")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert persists a new job with its given status, or queued when the
// status is empty. Returns ErrDuplicateID if
// the id already exists (spec.md §3 "id uniqueness is enforced on
// insert").
func (s *Store) Insert(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := toRow(job)
	if err != nil {
		return err
	}
	var existing jobRow
	err = s.db.WithContext(ctx).Where("id = ?", row.ID).First(&existing).Error
	if err == nil {
		return ErrDuplicateID
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Patch is a partial update applied atomically by Update. Only non-nil
// fields are written.
type Patch struct {
	Status      *domain.Status
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      json.RawMessage
	Error       *domain.JobError
	Git         *domain.GitMeta
	Progress    *float64
}

// Update atomically merges patch into the stored job, enforcing the
// status DAG (spec.md §3) and the started_at<=completed_at and
// result/error-mutual-exclusion invariants. Returns ErrNotFound if the id
// is unknown, ErrInvalidTransition if patch.Status names an illegal edge.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row jobRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Job{}, ErrNotFound
		}
		return domain.Job{}, err
	}

	updates := map[string]interface{}{}

	if patch.Status != nil {
		from := domain.Status(row.Status)
		to := *patch.Status
		if !domain.ValidTransition(from, to) {
			return domain.Job{}, ErrInvalidTransition
		}
		updates["status"] = string(to)
	}
	startedAt, completedAt := row.StartedAt, row.CompletedAt
	if patch.StartedAt != nil {
		startedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		completedAt = patch.CompletedAt
	}
	if startedAt != nil && completedAt != nil && startedAt.After(*completedAt) {
		return domain.Job{}, fmt.Errorf("store: invariant violated, started_at after completed_at")
	}
	if patch.StartedAt != nil {
		updates["started_at"] = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = *patch.CompletedAt
	}
	if patch.Result != nil {
		if patch.Error != nil {
			return domain.Job{}, fmt.Errorf("store: result and error are mutually exclusive")
		}
		updates["result_json"] = datatypes.JSON(patch.Result)
		updates["error_json"] = datatypes.JSON(nil)
	}
	if patch.Error != nil {
		b, err := json.Marshal(patch.Error)
		if err != nil {
			return domain.Job{}, err
		}
		updates["error_json"] = datatypes.JSON(b)
		updates["result_json"] = datatypes.JSON(nil)
	}
	if patch.Git != nil {
		b, err := json.Marshal(patch.Git)
		if err != nil {
			return domain.Job{}, err
		}
		updates["git_json"] = datatypes.JSON(b)
	}
	if patch.Progress != nil {
		updates["progress"] = *patch.Progress
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return domain.Job{}, err
		}
	}

	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return domain.Job{}, err
	}
	return fromRow(row)
}

// Get returns the job by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Job{}, ErrNotFound
		}
		return domain.Job{}, err
	}
	return fromRow(row)
}

// CountByStatus returns the count of jobs in each status for a pipeline.
func (s *Store) CountByStatus(ctx context.Context, pipelineID string) (map[domain.Status]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Select("status, count(*) as n").
		Where("pipeline_id = ?", pipelineID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[domain.Status]int64{}
	for _, r := range rows {
		out[domain.Status(r.Status)] = r.N
	}
	return out, nil
}

// LastJob returns the most recently created job for a pipeline, or nil if
// none exists.
func (s *Store) LastJob(ctx context.Context, pipelineID string) (*domain.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("pipeline_id = ?", pipelineID).
		Order("created_at DESC").Limit(1).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Tab is a convenience filter for Query (spec.md §4.2).
type Tab string

const (
	TabRecent Tab = "recent"
	TabFailed Tab = "failed"
	TabAll    Tab = "all"
)

// QueryParams controls Query's filtering and pagination.
type QueryParams struct {
	PipelineID string // empty = all pipelines
	Status     domain.Status
	Tab        Tab
	Limit      int
	Offset     int
}

const maxQueryLimit = 1000

// Normalize clamps Limit to [1, maxQueryLimit] (default 50) per spec.md
// §8 property 12. A negative Offset becomes 0; an offset past the end
// legally yields an empty page with the correct total.
func (p *QueryParams) Normalize() {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > maxQueryLimit {
		p.Limit = maxQueryLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
}

// Query returns a paginated, snapshot-consistent page of jobs plus the
// total count matching the filter (spec.md §4.2). Pagination is stable
// within one call (both queries run under the same mutex hold) but not
// across calls.
func (s *Store) Query(ctx context.Context, params QueryParams) ([]domain.Job, int64, error) {
	params.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.db.WithContext(ctx).Model(&jobRow{})
	if params.PipelineID != "" {
		q = q.Where("pipeline_id = ?", params.PipelineID)
	}
	if params.Status != "" {
		q = q.Where("status = ?", string(params.Status))
	}
	switch params.Tab {
	case TabRecent:
		q = q.Where("created_at >= ?", time.Now().Add(-24*time.Hour))
	case TabFailed:
		q = q.Where("status = ?", string(domain.StatusFailed))
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []jobRow
	err := q.Session(&gorm.Session{}).
		Order("created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	jobs := make([]domain.Job, 0, len(rows))
	for _, row := range rows {
		job, err := fromRow(row)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// ListPipelineIDs returns the distinct pipeline_id values seen so far.
func (s *Store) ListPipelineIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Distinct("pipeline_id").
		Order("pipeline_id ASC").
		Pluck("pipeline_id", &ids).Error
	return ids, err
}

func toRow(job domain.Job) (jobRow, error) {
	if job.ID == "" {
		return jobRow{}, fmt.Errorf("store: job id required")
	}
	row := jobRow{
		ID:          job.ID,
		PipelineID:  job.PipelineID,
		Status:      string(job.Status),
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		DataJSON:    datatypes.JSON(job.Data),
		ResultJSON:  datatypes.JSON(job.Result),
		Progress:    job.Progress,
	}
	if row.Status == "" {
		row.Status = string(domain.StatusQueued)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if job.Error != nil {
		b, err := json.Marshal(job.Error)
		if err != nil {
			return jobRow{}, err
		}
		row.ErrorJSON = datatypes.JSON(b)
	}
	if job.Git != nil {
		b, err := json.Marshal(job.Git)
		if err != nil {
			return jobRow{}, err
		}
		row.GitJSON = datatypes.JSON(b)
	}
	return row, nil
}

func fromRow(row jobRow) (domain.Job, error) {
	job := domain.Job{
		ID:          row.ID,
		PipelineID:  row.PipelineID,
		Status:      domain.Status(row.Status),
		CreatedAt:   row.CreatedAt,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		Progress:    row.Progress,
	}
	if len(row.DataJSON) > 0 {
		job.Data = json.RawMessage(row.DataJSON)
	}
	if len(row.ResultJSON) > 0 {
		job.Result = json.RawMessage(row.ResultJSON)
	}
	if len(row.ErrorJSON) > 0 {
		var je domain.JobError
		if err := json.Unmarshal(row.ErrorJSON, &je); err != nil {
			return domain.Job{}, err
		}
		job.Error = &je
	}
	if len(row.GitJSON) > 0 {
		var gm domain.GitMeta
		if err := json.Unmarshal(row.GitJSON, &gm); err != nil {
			return domain.Job{}, err
		}
		job.Git = &gm
	}
	return job, nil
}
