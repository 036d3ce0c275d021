package testutil

import (
	"testing"

	"github.com/kasuganosora/friendhub/cache"
	"github.com/kasuganosora/friendhub/config"
	dbadapter "github.com/kasuganosora/friendhub/db"
	"github.com/kasuganosora/friendhub/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB creates a private in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode: dbadapter.ModeSQLiteMemory,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// CreateUser inserts a user with the given username and returns it.
func CreateUser(t *testing.T, db *gorm.DB, username string) *model.User {
	t.Helper()
	u := &model.User{Username: username, PasswordHash: "x", Status: 1}
	require.NoError(t, db.Create(u).Error, "CreateUser %s", username)
	return u
}

// MakeFriends writes both directed edges between a and b.
func MakeFriends(t *testing.T, db *gorm.DB, a, b int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.Friendship{UserID: a, FriendID: b}).Error)
	require.NoError(t, db.Create(&model.Friendship{UserID: b, FriendID: a}).Error)
}
