package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationUppercaseCountryCodes = "2026-09-14_uppercase_country_codes"
	migrationStripProviderPrefix   = "2026-09-21_strip_provider_prefix"
	providerPrefix                 = "google:"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationUppercaseCountryCodes, apply: uppercaseCountryCodes},
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// uppercaseCountryCodes normalizes codes written before validation upper-cased them.
// A lower-case row that collides with an existing upper-case row is a duplicate and is dropped.
func uppercaseCountryCodes(db *gorm.DB) error {
	dropDuplicates := `DELETE FROM visited_countries
WHERE country_code <> upper(country_code)
AND EXISTS (
	SELECT 1 FROM visited_countries AS canonical
	WHERE canonical.user_id = visited_countries.user_id
	AND canonical.country_code = upper(visited_countries.country_code)
)`
	if err := db.Exec(dropDuplicates).Error; err != nil {
		return err
	}
	return db.Model(&countries.VisitedCountry{}).
		Where("country_code <> upper(country_code)").
		Update("country_code", gorm.Expr("upper(country_code)")).Error
}

// stripProviderPrefix rewrites rows keyed by a provider-qualified user id onto the canonical id.
func stripProviderPrefix(db *gorm.DB) error {
	start := len(providerPrefix) + 1
	statement := fmt.Sprintf("UPDATE OR IGNORE visited_countries SET user_id = substr(user_id, %d) WHERE user_id LIKE '%s%%';", start, providerPrefix)
	if err := db.Exec(statement).Error; err != nil {
		return err
	}
	return db.Exec(fmt.Sprintf("DELETE FROM visited_countries WHERE user_id LIKE '%s%%';", providerPrefix)).Error
}
