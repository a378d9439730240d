package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errDriverBroken = errors.New("driver: broken connection")

// openMockDB opens a GORM handle over sqlmock so driver-level failures can
// be injected without a real database.
func openMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB, PreferSimpleProtocol: true,
	}), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestGormStorePutRollsBackOnWriteFailure(t *testing.T) {
	db, mock := openMockDB(t)

	// AutoMigrate is bypassed; construct the store directly.
	store := &GormStore{db: db, logger: zap.NewNop()}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "checkpoints"`).
		WillReturnError(errDriverBroken)
	mock.ExpectRollback()

	err := store.Put(context.Background(), PutRequest{Checkpoint: newCheckpoint("t1", "c1", "", 0)})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
