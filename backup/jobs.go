package backup

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Import job states. Completed and Failed are terminal; nothing awaits a job,
// its outcome is observable only through the job row and the resulting
// relationship rows.
const (
	JobStatePending   = "pending"
	JobStateRunning   = "running"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
)

// ImportJob records one detached backup import operation.
type ImportJob struct {
	gorm.Model
	PersonID uint   `gorm:"index"`
	State    string `gorm:"index"`
	Error    string
}

// JobStore tracks the lifecycle of detached import operations.
type JobStore interface {
	CreateJob(ctx context.Context, personID uint) (uint, error)
	SetJobState(ctx context.Context, jobID uint, state string, jobErr error) error
}

// Gormstore is a gorm-backed JobStore.
type Gormstore struct {
	db *gorm.DB
}

func NewGormstore(db *gorm.DB) *Gormstore {
	return &Gormstore{db: db}
}

func (s *Gormstore) CreateJob(ctx context.Context, personID uint) (uint, error) {
	job := ImportJob{
		PersonID: personID,
		State:    JobStatePending,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return 0, err
	}
	return job.ID, nil
}

func (s *Gormstore) SetJobState(ctx context.Context, jobID uint, state string, jobErr error) error {
	updates := map[string]any{"state": state}
	if jobErr != nil {
		updates["error"] = jobErr.Error()
	}
	return s.db.WithContext(ctx).Model(&ImportJob{}).Where("id = ?", jobID).Updates(updates).Error
}

// Memstore is an in-memory JobStore for tests and single-process setups.
type Memstore struct {
	lk     sync.Mutex
	nextID uint
	jobs   map[uint]*memJob
}

type memJob struct {
	personID  uint
	state     string
	jobErr    string
	updatedAt time.Time
}

func NewMemstore() *Memstore {
	return &Memstore{jobs: make(map[uint]*memJob)}
}

func (s *Memstore) CreateJob(ctx context.Context, personID uint) (uint, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	s.nextID++
	s.jobs[s.nextID] = &memJob{
		personID:  personID,
		state:     JobStatePending,
		updatedAt: time.Now(),
	}
	return s.nextID, nil
}

func (s *Memstore) SetJobState(ctx context.Context, jobID uint, state string, jobErr error) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	job.state = state
	if jobErr != nil {
		job.jobErr = jobErr.Error()
	}
	job.updatedAt = time.Now()
	return nil
}

// JobState reports the current state of a job, for tests and introspection.
func (s *Memstore) JobState(jobID uint) (string, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return "", false
	}
	return job.state, true
}
