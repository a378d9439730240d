package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loomhq/loom/types"
)

// jobRow maps the jobs table. The result is stored as a JSON blob so
// citation shapes evolve without schema churn.
type jobRow struct {
	ID          string     `gorm:"column:job_id;primaryKey;size:64"`
	ThreadID    string     `gorm:"column:thread_id;size:128;index"`
	Query       string     `gorm:"column:query;type:text"`
	Mode        string     `gorm:"column:mode;size:32"`
	Status      string     `gorm:"column:status;size:32;index"`
	Progress    []byte     `gorm:"column:progress"`
	ResultBlob  []byte     `gorm:"column:result_blob"`
	Error       string     `gorm:"column:error;type:text"`
	RequestID   string     `gorm:"column:request_id;size:128;index"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
	StartedAt   *time.Time `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

func (jobRow) TableName() string { return "jobs" }

// GormStore is a SQL-backed job store.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a SQL job store and migrates its table.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("job: nil db")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, err
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "job_sql")),
	}, nil
}

func (s *GormStore) Save(ctx context.Context, j *types.Job) error {
	row, err := jobToRow(j)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *GormStore) Get(ctx context.Context, id string) (*types.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("job_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToJob(&row)
}

func (s *GormStore) GetByRequestID(ctx context.Context, requestID string) (*types.Job, error) {
	if requestID == "" {
		return nil, ErrJobNotFound
	}
	var row jobRow
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).
		Order("created_at ASC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToJob(&row)
}

func (s *GormStore) List(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{}).Order("created_at ASC")
	if len(statuses) > 0 {
		vals := make([]string, 0, len(statuses))
		for _, st := range statuses {
			vals = append(vals, string(st))
		}
		q = q.Where("status IN ?", vals)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Job, 0, len(rows))
	for i := range rows {
		j, err := rowToJob(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("job_id = ?", id).Delete(&jobRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *GormStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	terminal := []string{
		string(types.JobCompleted), string(types.JobFailed), string(types.JobCancelled),
	}
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", terminal, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	if err := s.db.WithContext(ctx).Where("job_id IN ?", ids).Delete(&jobRow{}).Error; err != nil {
		return nil, err
	}
	s.logger.Debug("expired jobs removed", zap.Int("count", len(ids)))
	return ids, nil
}

func (s *GormStore) Stats(ctx context.Context) (*types.JobStats, error) {
	type countRow struct {
		Status string
		N      int64
	}
	var counts []countRow
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	stats := &types.JobStats{StatusCounts: make(map[types.JobStatus]int64)}
	for _, c := range counts {
		stats.StatusCounts[types.JobStatus(c.Status)] = c.N
		stats.Total += c.N
	}
	return stats, nil
}

func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func jobToRow(j *types.Job) (*jobRow, error) {
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return nil, err
	}
	row := &jobRow{
		ID:          j.ID,
		ThreadID:    j.ThreadID,
		Query:       j.Query,
		Mode:        j.Mode,
		Status:      string(j.Status),
		Progress:    progress,
		Error:       j.Error,
		RequestID:   j.RequestID,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Result != nil {
		blob, err := json.Marshal(j.Result)
		if err != nil {
			return nil, err
		}
		row.ResultBlob = blob
	}
	return row, nil
}

func rowToJob(row *jobRow) (*types.Job, error) {
	j := &types.Job{
		ID:          row.ID,
		ThreadID:    row.ThreadID,
		Query:       row.Query,
		Mode:        row.Mode,
		Status:      types.JobStatus(row.Status),
		Error:       row.Error,
		RequestID:   row.RequestID,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
	if len(row.Progress) > 0 {
		if err := json.Unmarshal(row.Progress, &j.Progress); err != nil {
			return nil, err
		}
	}
	if len(row.ResultBlob) > 0 {
		if err := json.Unmarshal(row.ResultBlob, &j.Result); err != nil {
			return nil, err
		}
	}
	return j, nil
}
