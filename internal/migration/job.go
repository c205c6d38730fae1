package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/placement"
)

// JobRecorder persists job state transitions for auditing.
type JobRecorder interface {
	RecordJob(ctx context.Context, record domain.MigrationJobRecord) error
}

var transitions = map[domain.JobState][]domain.JobState{
	domain.JobPlanned:  {domain.JobCopying, domain.JobAborted},
	domain.JobCopying:  {domain.JobVerified, domain.JobFailed},
	domain.JobVerified: {domain.JobCommitted, domain.JobFailed},
}

// SourceRead is the set of columns read from one source store.
type SourceRead struct {
	Store   domain.StoreID
	Columns []int64
}

// Task is the copy work for one physical partition.
type Task struct {
	PartitionID int64
	// Columns are the columns the destination is missing on this partition.
	Columns []int64
	Sources []SourceRead
}

// Job is one migration. It holds the table's section from Prepare until it
// reaches a terminal state.
type Job struct {
	ID          string
	TableID     int64
	Destination domain.StoreID
	Tasks       []Task
	Change      placement.Change

	section  *placement.Section
	recorder JobRecorder

	mu    sync.Mutex
	state domain.JobState
	err   error

	rowsCopied atomic.Int64
}

// State returns the current state.
func (j *Job) State() domain.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the failure of a FAILED job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// RowsCopied returns the number of rows written to destinations so far.
func (j *Job) RowsCopied() int64 {
	return j.rowsCopied.Load()
}

// Cancel aborts a job that has not started copying and releases the table.
func (j *Job) Cancel() error {
	if err := j.transition(domain.JobAborted, nil); err != nil {
		if j.State() != domain.JobPlanned {
			return fmt.Errorf("%w: job %s is %s", zerrors.ErrJobNotCancellable, j.ID, j.State())
		}
		return err
	}
	j.section.Release()
	log.Infof("Migration %s cancelled", j.ID)
	return nil
}

func (j *Job) transition(to domain.JobState, cause error) error {
	j.mu.Lock()
	from := j.state
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", zerrors.ErrIllegalTransition, from, to)
	}
	j.state = to
	if cause != nil {
		j.err = cause
	}
	j.mu.Unlock()

	log.WithFields(log.Fields{
		"job":   j.ID,
		"table": j.TableID,
		"from":  from,
		"to":    to,
	}).Debug("Migration state change")
	j.record()
	return nil
}

func (j *Job) partitionIDs() []int64 {
	ids := make([]int64, 0, len(j.Tasks))
	for _, t := range j.Tasks {
		ids = append(ids, t.PartitionID)
	}
	return ids
}

// Record returns the audit representation of the job.
func (j *Job) Record() domain.MigrationJobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := domain.MigrationJobRecord{
		TableID:     j.TableID,
		JobID:       j.ID,
		Destination: string(j.Destination),
		State:       j.state,
		Partitions:  j.partitionIDs(),
		RowsCopied:  j.rowsCopied.Load(),
		UpdatedAt:   time.Now().UnixMilli(),
	}
	if j.err != nil {
		rec.Error = j.err.Error()
	}
	return rec
}

// record is best effort; the job outcome never depends on the audit trail.
func (j *Job) record() {
	if j.recorder == nil {
		return
	}
	if err := j.recorder.RecordJob(context.Background(), j.Record()); err != nil {
		log.Warnf("Failed to record migration %s: %v", j.ID, err)
	}
}
