// 文件: pkg/migrate/migrate.go
// 数据库迁移 - 只进不退
//
// 启动时跑一次。每个迁移有递增版本号，applied 记录在
// schema_migrations 表里，重复启动跳过已应用的版本。

package migrate

import (
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/auth"
	"github.com/Vladus-CPU/dbauc2/pkg/inventory"
	"github.com/Vladus-CPU/dbauc2/pkg/wallet"
)

// SchemaMigration 版本记录
type SchemaMigration struct {
	Version   int       `gorm:"primaryKey"`
	Name      string    `gorm:"type:varchar(128)"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (SchemaMigration) TableName() string { return "schema_migrations" }

type migration struct {
	version int
	name    string
	run     func(tx *gorm.DB) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "core tables",
		run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&auth.User{},
				&auction.Listing{},
				&auction.Auction{},
				&auction.Participant{},
				&auction.Order{},
				&auction.ClearingRound{},
				&auction.InventorySnapshot{},
				&wallet.Account{},
				&wallet.Transaction{},
				&inventory.Item{},
				&inventory.ResourceTransaction{},
			)
		},
	},
}

// Run 应用全部待执行迁移
func Run(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("prepare schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var count int64
		if err := db.Model(&SchemaMigration{}).Where("version = ?", m.version).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.run(tx); err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{
				Version:   m.version,
				Name:      m.name,
				AppliedAt: time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		log.Printf("[MIGRATE] applied %d: %s", m.version, m.name)
	}
	return nil
}
