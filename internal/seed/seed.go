package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var defaultEntityTypes = []string{"book", "author", "user"}

type defaultPlan struct {
	code     string
	name     string
	cycle    string
	amount   int64
	currency string
}

var defaultPlans = []defaultPlan{
	{code: "reader_monthly", name: "Reader monthly", cycle: "monthly", amount: 2500, currency: "XOF"},
	{code: "reader_yearly", name: "Reader yearly", cycle: "yearly", amount: 25000, currency: "XOF"},
}

// EnsureLocalSubscriber registers this deployment's own reference store as a
// local subscriber of every entity type, so emitted changes are applied in-process.
func EnsureLocalSubscriber(ctx context.Context, db *gorm.DB, node *snowflake.Node, name string) error {
	if db == nil || node == nil {
		return errors.New("seed database handle is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}

	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`INSERT INTO sync_subscribers (id, name, mode, endpoint, status, created_at, updated_at)
			 VALUES (?, ?, 'local', NULL, 'active', ?, ?)
			 ON CONFLICT (name) DO NOTHING`,
			node.Generate().Int64(), name, now, now,
		).Error; err != nil {
			return err
		}

		var subscriberID int64
		if err := tx.Raw(`SELECT id FROM sync_subscribers WHERE name = ?`, name).Scan(&subscriberID).Error; err != nil {
			return err
		}
		for _, entityType := range defaultEntityTypes {
			if err := tx.Exec(
				`INSERT INTO sync_subscriptions (subscriber_id, entity_type, created_at)
				 VALUES (?, ?, ?)
				 ON CONFLICT (subscriber_id, entity_type) DO NOTHING`,
				subscriberID, entityType, now,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsureDefaultPlans seeds the reader plans; existing rows are left untouched.
func EnsureDefaultPlans(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	now := time.Now().UTC()
	for _, plan := range defaultPlans {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO subscription_plans (code, name, cycle, price_amount, currency, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (code) DO NOTHING`,
			plan.code, plan.name, plan.cycle, plan.amount, plan.currency, true, now, now,
		).Error; err != nil {
			return err
		}
	}
	return nil
}
