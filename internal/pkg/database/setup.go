package database

import (
	"fmt"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/internal/pkg/config"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var db *gorm.DB

// SetupDatabase connects to MySQL, retrying while the server starts up, and
// migrates the billing tables.
func SetupDatabase(cfg config.DB) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	var err error
	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
		if err == nil {
			return Migrate(db)
		}

		log.Warnf("[Database] failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return fmt.Errorf("connect database: %w", err)
}

// Migrate creates or updates the billing and usage tables.
func Migrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&models.TenantBillingSetting{},
		&models.Payment{},
		&models.Refund{},
		&models.Subscription{},
		&models.Invoice{},
		&models.BillingWebhookEvent{},
		&models.UsageRecord{},
	)
}

func GetDB() *gorm.DB {
	return db
}
