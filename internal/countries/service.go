package countries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a machine readable code of the form "countries.<op>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "countries.service.new"
	opList       = "countries.list"
	opInsert     = "countries.insert"
	opDelete     = "countries.delete"
	opBulkUpsert = "countries.bulk_upsert"

	fieldUserID      = "user_id"
	fieldCountryCode = "country_code"
	queryUserID      = fieldUserID + " = ?"
	queryUserCountry = fieldUserID + " = ? AND " + fieldCountryCode + " = ?"
	orderNewestFirst = "visited_at_s DESC, id DESC"

	reasonMissingDatabase = "missing_database"
	reasonIDGeneration    = "id_generation_failed"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonConflict        = "conflict"
	reasonNotFound        = "not_found"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the record store service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Service is the per-user visited-country record store.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the record store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// List returns the user's visited countries, newest first.
func (s *Service) List(ctx context.Context, userID UserID) ([]Record, error) {
	if s.db == nil {
		s.logError(opList, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opList, reasonMissingDatabase, errMissingDatabase)
	}

	var rows []VisitedCountry
	if err := s.db.WithContext(ctx).
		Where(queryUserID, userID.String()).
		Order(orderNewestFirst).
		Find(&rows).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.Record())
	}
	return records, nil
}

// Insert records a single visited country. A country already present for the
// user yields an error matching ErrConflict and leaves the stored row untouched.
func (s *Service) Insert(ctx context.Context, userID UserID, input RecordInput) (Record, error) {
	if s.db == nil {
		s.logError(opInsert, reasonMissingDatabase, errMissingDatabase)
		return Record{}, newServiceError(opInsert, reasonMissingDatabase, errMissingDatabase)
	}

	row, err := s.newRow(userID, input)
	if err != nil {
		s.logError(opInsert, reasonIDGeneration, err, zap.String(fieldUserID, userID.String()))
		return Record{}, newServiceError(opInsert, reasonIDGeneration, err)
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		s.logError(opInsert, reasonInsertFailed, result.Error,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldCountryCode, input.CountryCode.String()))
		return Record{}, newServiceError(opInsert, reasonInsertFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Record{}, newServiceError(opInsert, reasonConflict, ErrConflict)
	}
	return row.Record(), nil
}

// Delete removes a visited country. Removing an absent country yields an error
// matching ErrNotFound.
func (s *Service) Delete(ctx context.Context, userID UserID, code CountryCode) error {
	if s.db == nil {
		s.logError(opDelete, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opDelete, reasonMissingDatabase, errMissingDatabase)
	}

	result := s.db.WithContext(ctx).
		Where(queryUserCountry, userID.String(), code.String()).
		Delete(&VisitedCountry{})
	if result.Error != nil {
		s.logError(opDelete, reasonDeleteFailed, result.Error,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldCountryCode, code.String()))
		return newServiceError(opDelete, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDelete, reasonNotFound, ErrNotFound)
	}
	return nil
}

// BulkUpsert inserts every country not yet recorded for the user and silently
// skips the rest, so retries and overlapping batches are harmless. It returns
// the number of rows actually written.
func (s *Service) BulkUpsert(ctx context.Context, userID UserID, inputs []RecordInput) (int, error) {
	if s.db == nil {
		s.logError(opBulkUpsert, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opBulkUpsert, reasonMissingDatabase, errMissingDatabase)
	}
	if len(inputs) == 0 {
		return 0, nil
	}

	synced := 0
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, input := range inputs {
			row, err := s.newRow(userID, input)
			if err != nil {
				s.logError(opBulkUpsert, reasonIDGeneration, err, zap.String(fieldUserID, userID.String()))
				return newServiceError(opBulkUpsert, reasonIDGeneration, err)
			}
			result := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if result.Error != nil {
				s.logError(opBulkUpsert, reasonInsertFailed, result.Error,
					zap.String(fieldUserID, userID.String()),
					zap.String(fieldCountryCode, input.CountryCode.String()))
				return newServiceError(opBulkUpsert, reasonInsertFailed, result.Error)
			}
			synced += int(result.RowsAffected)
		}
		return nil
	})
	if transactionError != nil {
		return 0, transactionError
	}

	s.loggerOrDefault().Debug("bulk upsert applied",
		zap.String(fieldUserID, userID.String()),
		zap.Int("requested", len(inputs)),
		zap.Int("synced", synced))
	return synced, nil
}

func (s *Service) newRow(userID UserID, input RecordInput) (VisitedCountry, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return VisitedCountry{}, err
	}
	return VisitedCountry{
		ID:               id,
		UserID:           userID.String(),
		CountryCode:      input.CountryCode.String(),
		CountryName:      input.CountryName.String(),
		VisitedAtSeconds: s.clock().UTC().Unix(),
		Notes:            input.Notes,
	}, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("countries service error", attrs...)
}
