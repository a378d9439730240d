package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loomhq/loom/types"
)

// checkpointRow maps the logical checkpoints table:
// (thread_id, namespace, checkpoint_id, parent_checkpoint_id, state_blob,
// metadata, created_at) with primary key (thread_id, namespace,
// checkpoint_id). The unique index on (thread_id, namespace, seq) is the
// single-head guard across processes: under READ COMMITTED two writers
// chaining onto the same head both pass the in-transaction parent check,
// and the second insert of seq head+1 must fail instead of forking the
// chain.
type checkpointRow struct {
	ThreadID  string    `gorm:"column:thread_id;primaryKey;size:128;uniqueIndex:idx_thread_ns_seq,priority:1"`
	Namespace string    `gorm:"column:namespace;primaryKey;size:64;uniqueIndex:idx_thread_ns_seq,priority:2"`
	ID        string    `gorm:"column:checkpoint_id;primaryKey;size:64"`
	ParentID  string    `gorm:"column:parent_checkpoint_id;size:64;index"`
	StateBlob []byte    `gorm:"column:state_blob"`
	Metadata  []byte    `gorm:"column:metadata"`
	Seq       int64     `gorm:"column:seq;autoIncrement:false;uniqueIndex:idx_thread_ns_seq,priority:3"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (checkpointRow) TableName() string { return "checkpoints" }

// writeRow maps the companion write-log table recording pending per-step
// writes committed atomically with their checkpoint.
type writeRow struct {
	ThreadID     string `gorm:"column:thread_id;primaryKey;size:128"`
	Namespace    string `gorm:"column:namespace;primaryKey;size:64"`
	CheckpointID string `gorm:"column:checkpoint_id;primaryKey;size:64"`
	TaskID       string `gorm:"column:task_id;primaryKey;size:64"`
	Index        int    `gorm:"column:idx;primaryKey"`
	Channel      string `gorm:"column:channel;size:64"`
	Payload      []byte `gorm:"column:payload"`
}

func (writeRow) TableName() string { return "checkpoint_writes" }

// GormStore is a SQL-backed Store. One transaction commits the checkpoint
// row and its write log together; within the transaction the head is
// re-read and compared against the declared parent, so concurrent writers
// serialize on the conflict check.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a SQL checkpoint store and migrates its tables.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&checkpointRow{}, &writeRow{}); err != nil {
		return nil, err
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "checkpoint_sql")),
	}, nil
}

func (s *GormStore) Put(ctx context.Context, req PutRequest) error {
	cp := req.Checkpoint
	if cp.ThreadID == "" || cp.Namespace == "" || cp.ID == "" {
		return ErrInvalidInput
	}

	blob, err := json.Marshal(cp.State)
	if err != nil {
		return ErrSerialization
	}
	meta, err := json.Marshal(cp.Metadata)
	if err != nil {
		return ErrSerialization
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head checkpointRow
		headErr := tx.Where("thread_id = ? AND namespace = ?", cp.ThreadID, cp.Namespace).
			Order("seq DESC").Limit(1).Take(&head).Error

		seq := int64(1)
		switch {
		case headErr == nil:
			if cp.ParentID != head.ID {
				return ErrConflict
			}
			seq = head.Seq + 1
		case errors.Is(headErr, gorm.ErrRecordNotFound):
			if cp.ParentID != "" {
				return ErrConflict
			}
		default:
			return headErr
		}

		row := checkpointRow{
			ThreadID:  cp.ThreadID,
			Namespace: cp.Namespace,
			ID:        cp.ID,
			ParentID:  cp.ParentID,
			StateBlob: blob,
			Metadata:  meta,
			Seq:       seq,
			CreatedAt: cp.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			// A duplicate key, on the id or on (thread, namespace, seq),
			// means another writer committed onto the same head first.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return err
		}

		for _, w := range req.Writes {
			wr := writeRow{
				ThreadID:     cp.ThreadID,
				Namespace:    cp.Namespace,
				CheckpointID: cp.ID,
				TaskID:       w.TaskID,
				Index:        w.Index,
				Channel:      w.Channel,
				Payload:      w.Payload,
			}
			if err := tx.Create(&wr).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Warn("checkpoint write conflict",
				zap.String("thread_id", cp.ThreadID),
				zap.String("checkpoint_id", cp.ID),
			)
			return ErrConflict
		}
		return err
	}

	s.logger.Debug("checkpoint committed",
		zap.String("thread_id", cp.ThreadID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("writes", len(req.Writes)),
	)
	return nil
}

func (s *GormStore) GetLatest(ctx context.Context, threadID, namespace string) (*types.Checkpoint, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND namespace = ?", threadID, namespace).
		Order("seq DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToCheckpoint(&row)
}

func (s *GormStore) Get(ctx context.Context, threadID, namespace, checkpointID string) (*types.Checkpoint, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND namespace = ? AND checkpoint_id = ?", threadID, namespace, checkpointID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToCheckpoint(&row)
}

func (s *GormStore) ListWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]types.PendingWrite, error) {
	var rows []writeRow
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND namespace = ? AND checkpoint_id = ?", threadID, namespace, checkpointID).
		Order("task_id ASC, idx ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.PendingWrite, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.PendingWrite{
			TaskID:  r.TaskID,
			Index:   r.Index,
			Channel: r.Channel,
			Payload: json.RawMessage(r.Payload),
		})
	}
	return out, nil
}

func (s *GormStore) History(ctx context.Context, threadID, namespace string) ([]*types.Checkpoint, error) {
	var rows []checkpointRow
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND namespace = ?", threadID, namespace).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rowToCheckpoint(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func rowToCheckpoint(row *checkpointRow) (*types.Checkpoint, error) {
	cp := &types.Checkpoint{
		ThreadID:  row.ThreadID,
		Namespace: row.Namespace,
		ID:        row.ID,
		ParentID:  row.ParentID,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal(row.StateBlob, &cp.State); err != nil {
		// Unreadable state is fatal for this thread only.
		return nil, ErrSerialization
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &cp.Metadata); err != nil {
			return nil, ErrSerialization
		}
	}
	return cp, nil
}
