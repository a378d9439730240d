package checkpoint

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomhq/loom/types"
)

// RedisStore is a Redis-backed Store for distributed deployments.
//
// Layout per (thread, namespace):
//   {prefix}head:{thread}:{ns}          -> head checkpoint id
//   {prefix}chain:{thread}:{ns}         -> list of checkpoint ids, oldest first
//   {prefix}data:{thread}:{ns}:{id}     -> checkpoint JSON
//   {prefix}writes:{thread}:{ns}:{id}   -> write-log JSON
//
// Put runs under WATCH on the head key: if another writer advances the
// head between the read and the commit, the transaction aborts and the
// caller sees ErrConflict.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a Redis checkpoint store.
func NewRedisStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "loom:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: keyPrefix + "ckpt:",
		logger: logger.With(zap.String("component", "checkpoint_redis")),
	}
}

func (s *RedisStore) headKey(thread, ns string) string { return s.prefix + "head:" + thread + ":" + ns }
func (s *RedisStore) chainKey(thread, ns string) string { return s.prefix + "chain:" + thread + ":" + ns }
func (s *RedisStore) dataKey(thread, ns, id string) string {
	return s.prefix + "data:" + thread + ":" + ns + ":" + id
}
func (s *RedisStore) writesKey(thread, ns, id string) string {
	return s.prefix + "writes:" + thread + ":" + ns + ":" + id
}

func (s *RedisStore) Put(ctx context.Context, req PutRequest) error {
	cp := req.Checkpoint
	if cp.ThreadID == "" || cp.Namespace == "" || cp.ID == "" {
		return ErrInvalidInput
	}

	blob, err := json.Marshal(cp)
	if err != nil {
		return ErrSerialization
	}
	var writesBlob []byte
	if len(req.Writes) > 0 {
		ws := append([]types.PendingWrite(nil), req.Writes...)
		sortWrites(ws)
		writesBlob, err = json.Marshal(ws)
		if err != nil {
			return ErrSerialization
		}
	}

	headKey := s.headKey(cp.ThreadID, cp.Namespace)

	txf := func(tx *redis.Tx) error {
		head, err := tx.Get(ctx, headKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			head = ""
		case err != nil:
			return err
		}
		if cp.ParentID != head {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.dataKey(cp.ThreadID, cp.Namespace, cp.ID), blob, 0)
			if writesBlob != nil {
				pipe.Set(ctx, s.writesKey(cp.ThreadID, cp.Namespace, cp.ID), writesBlob, 0)
			}
			pipe.RPush(ctx, s.chainKey(cp.ThreadID, cp.Namespace), cp.ID)
			pipe.Set(ctx, headKey, cp.ID, 0)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, headKey)
	if errors.Is(err, redis.TxFailedErr) {
		// Head moved under us between read and commit.
		return ErrConflict
	}
	if errors.Is(err, ErrConflict) {
		s.logger.Warn("checkpoint write conflict",
			zap.String("thread_id", cp.ThreadID),
			zap.String("checkpoint_id", cp.ID),
		)
		return ErrConflict
	}
	return err
}

func (s *RedisStore) GetLatest(ctx context.Context, threadID, namespace string) (*types.Checkpoint, error) {
	head, err := s.client.Get(ctx, s.headKey(threadID, namespace)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, threadID, namespace, head)
}

func (s *RedisStore) Get(ctx context.Context, threadID, namespace, checkpointID string) (*types.Checkpoint, error) {
	blob, err := s.client.Get(ctx, s.dataKey(threadID, namespace, checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(blob)
}

func (s *RedisStore) ListWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]types.PendingWrite, error) {
	blob, err := s.client.Get(ctx, s.writesKey(threadID, namespace, checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ws []types.PendingWrite
	if err := json.Unmarshal(blob, &ws); err != nil {
		return nil, ErrSerialization
	}
	return ws, nil
}

func (s *RedisStore) History(ctx context.Context, threadID, namespace string) ([]*types.Checkpoint, error) {
	ids, err := s.client.LRange(ctx, s.chainKey(threadID, namespace), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Get(ctx, threadID, namespace, id)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
