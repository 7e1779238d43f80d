// 文件: pkg/migrate/migrate_test.go
// 数据库迁移 - 测试用例

package migrate

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/wallet"
)

func TestRun_Idempotent(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, Run(db))
	// 重复执行不报错、不重复应用
	require.NoError(t, Run(db))

	var versions []int
	require.NoError(t, db.Model(&SchemaMigration{}).Pluck("version", &versions).Error)
	assert.Equal(t, []int{1}, versions)

	// 核心表可用
	assert.True(t, db.Migrator().HasTable(&auction.Auction{}))
	assert.True(t, db.Migrator().HasTable(&wallet.Account{}))
}
