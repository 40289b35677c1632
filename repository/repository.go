package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/repository/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PostgreSQL error codes
const (
	PgErrUniqueViolation = "23505"
)

// Repository error codes
const (
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeCreateFailed  = "CREATE_FAILED"
	CodeUpdateFailed  = "UPDATE_FAILED"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeCommitFailed  = "COMMIT_FAILED"
)

// RepositoryError represents repository layer errors
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
}

// IsNotFound reports whether err is a NOT_FOUND repository error
func IsNotFound(err error) bool {
	var repoErr *RepositoryError
	return errors.As(err, &repoErr) && repoErr.Code == CodeNotFound
}

// IsConflict reports whether err is a CONFLICT repository error
func IsConflict(err error) bool {
	var repoErr *RepositoryError
	return errors.As(err, &repoErr) && repoErr.Code == CodeConflict
}

// CropFilter selects crops for ListCrops. Empty fields are ignored.
type CropFilter struct {
	FarmerID        string
	CurrentHolderID string
	Status          string
	Limit           int
}

// CustodyChange is one transfer applied by TransferCustody
type CustodyChange struct {
	CropID   string
	Status   string
	HolderID string
	Step     models.JourneyStep

	// Transaction is optional. FromUserID and Quantity are taken from the
	// crop as it was before the change.
	Transaction *models.Transaction

	// Guard runs against the current crop before anything is written
	Guard func(current *models.Crop) error
}

// Repository handles all database operations for CropTrace
type Repository struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

// NewRepository creates a new repository instance
func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{logger: logger.With("module", "repository")}
}

// ConnectDB establishes a PostgreSQL connection and performs migrations
func (r *Repository) ConnectDB(dsn string) error {
	for i := 0; i < 10; i++ {
		r.logger.Info("Database connection attempt", "attempt", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err != nil {
			r.logger.Error("Connection attempt failed", "attempt", i+1, "err", err)
			time.Sleep(2 * time.Second)
			continue
		}
		r.db = db
		r.logger.Info("Connected to database", "driver", "postgres")
		return r.Migrate()
	}
	return fmt.Errorf("failed to connect to database after 10 attempts")
}

// ConnectSQLite opens a SQLite database (a file path or an in-memory DSN)
// and performs migrations
func (r *Repository) ConnectSQLite(path string) error {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access sqlite handle: %w", err)
	}
	// SQLite serialises writers; one connection avoids "database is locked"
	sqlDB.SetMaxOpenConns(1)

	r.db = db
	r.logger.Info("Connected to database", "driver", "sqlite", "path", path)
	return r.Migrate()
}

// Migrate performs database schema migrations
func (r *Repository) Migrate() error {
	r.logger.Info("Running database migrations...")

	migrator := r.db.Migrator()

	tables := []interface{}{
		&models.User{},
		&models.Crop{},
		&models.JourneyStep{},
		&models.Transaction{},
	}

	for _, table := range tables {
		if !migrator.HasTable(table) {
			if err := migrator.CreateTable(table); err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
		}
	}

	r.logger.Info("Database migrations completed")
	return nil
}

// Close releases the underlying connection pool
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewID returns a fresh document identifier
func NewID() string {
	return uuid.New().String()
}

// CreateUser inserts a user document. An empty ID is filled in.
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = NewID()
	}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return &RepositoryError{
				Code:    CodeConflict,
				Message: "User already exists",
				Detail:  fmt.Sprintf("A user with phone %s is already registered", user.Phone),
			}
		}
		return &RepositoryError{
			Code:    CodeCreateFailed,
			Message: "Failed to create user",
			Detail:  err.Error(),
		}
	}
	return nil
}

// GetUserByID retrieves a user by its document id
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if err != nil {
		return nil, lookupError(err, "User", userID)
	}
	return &user, nil
}

// GetUserByPhone retrieves a user by phone number
func (r *Repository) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("phone = ?", phone).First(&user).Error
	if err != nil {
		return nil, lookupError(err, "User with phone", phone)
	}
	return &user, nil
}

// UpdateUser applies column updates to a user and returns the stored result
func (r *Repository) UpdateUser(ctx context.Context, userID string, updates map[string]interface{}) (*models.User, error) {
	dbTx := r.db.WithContext(ctx).Begin()

	var user models.User
	if err := dbTx.Where("user_id = ?", userID).First(&user).Error; err != nil {
		dbTx.Rollback()
		return nil, lookupError(err, "User", userID)
	}

	if len(updates) > 0 {
		if err := dbTx.Model(&user).Updates(updates).Error; err != nil {
			dbTx.Rollback()
			return nil, &RepositoryError{
				Code:    CodeUpdateFailed,
				Message: "Failed to update user",
				Detail:  err.Error(),
			}
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, &RepositoryError{
			Code:    CodeCommitFailed,
			Message: "Failed to commit transaction",
			Detail:  err.Error(),
		}
	}

	return r.GetUserByID(ctx, userID)
}

// CreateCrop stores a new crop together with its first journey step
func (r *Repository) CreateCrop(ctx context.Context, crop *models.Crop, first *models.JourneyStep) error {
	if crop.ID == "" {
		crop.ID = NewID()
	}

	dbTx := r.db.WithContext(ctx).Begin()

	if err := dbTx.Create(crop).Error; err != nil {
		dbTx.Rollback()
		if isUniqueViolation(err) {
			return &RepositoryError{
				Code:    CodeConflict,
				Message: "Crop already exists",
				Detail:  fmt.Sprintf("Crop %s already exists", crop.CropID),
			}
		}
		return &RepositoryError{
			Code:    CodeCreateFailed,
			Message: "Failed to create crop",
			Detail:  err.Error(),
		}
	}

	if first != nil {
		if first.ID == "" {
			first.ID = NewID()
		}
		first.CropID = crop.CropID
		if first.Timestamp.IsZero() {
			first.Timestamp = time.Now().UTC()
		}
		if err := dbTx.Create(first).Error; err != nil {
			dbTx.Rollback()
			return &RepositoryError{
				Code:    CodeCreateFailed,
				Message: "Failed to create journey step",
				Detail:  err.Error(),
			}
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return &RepositoryError{
			Code:    CodeCommitFailed,
			Message: "Failed to commit transaction",
			Detail:  err.Error(),
		}
	}
	return nil
}

// GetCropByCropID retrieves a crop by its business identifier
func (r *Repository) GetCropByCropID(ctx context.Context, cropID string) (*models.Crop, error) {
	var crop models.Crop
	err := r.db.WithContext(ctx).Where("crop_id = ?", cropID).First(&crop).Error
	if err != nil {
		return nil, lookupError(err, "Crop", cropID)
	}
	return &crop, nil
}

// ListCrops returns the crops matching filter, newest first
func (r *Repository) ListCrops(ctx context.Context, filter CropFilter) ([]models.Crop, error) {
	query := r.db.WithContext(ctx).Model(&models.Crop{})
	if filter.FarmerID != "" {
		query = query.Where("farmer_id = ?", filter.FarmerID)
	}
	if filter.CurrentHolderID != "" {
		query = query.Where("current_holder_id = ?", filter.CurrentHolderID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	crops := []models.Crop{}
	if err := query.Order("created_at DESC").Order("id DESC").Find(&crops).Error; err != nil {
		return nil, &RepositoryError{
			Code:    CodeDatabaseError,
			Message: "Failed to query crops",
			Detail:  err.Error(),
		}
	}
	return crops, nil
}

// SetCropLedgerInfo records where the crop was mirrored on the ledger
func (r *Repository) SetCropLedgerInfo(ctx context.Context, cropID, txHash, blockchainID string) error {
	result := r.db.WithContext(ctx).Model(&models.Crop{}).
		Where("crop_id = ?", cropID).
		Updates(map[string]interface{}{
			"blockchain_tx_hash": txHash,
			"blockchain_id":      blockchainID,
		})
	if result.Error != nil {
		return &RepositoryError{
			Code:    CodeUpdateFailed,
			Message: "Failed to record ledger info",
			Detail:  result.Error.Error(),
		}
	}
	if result.RowsAffected == 0 {
		return &RepositoryError{
			Code:    CodeNotFound,
			Message: "Crop not found",
			Detail:  fmt.Sprintf("Crop %s does not exist", cropID),
		}
	}
	return nil
}

// TransferCustody moves a crop to a new holder and status, appends the
// journey step and, when present, the payment transaction. All writes
// commit together. It returns the crop as it was before the change.
func (r *Repository) TransferCustody(ctx context.Context, change *CustodyChange) (*models.Crop, error) {
	dbTx := r.db.WithContext(ctx).Begin()

	// Lock the crop row so concurrent transfers of one crop serialise
	var crop models.Crop
	err := dbTx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("crop_id = ?", change.CropID).First(&crop).Error
	if err != nil {
		dbTx.Rollback()
		return nil, lookupError(err, "Crop", change.CropID)
	}

	if change.Guard != nil {
		if err := change.Guard(&crop); err != nil {
			dbTx.Rollback()
			return nil, err
		}
	}

	// Journey steps never go back in time
	var last models.JourneyStep
	err = dbTx.Where("crop_id = ?", change.CropID).Order("timestamp DESC").Limit(1).Find(&last).Error
	if err != nil {
		dbTx.Rollback()
		return nil, &RepositoryError{
			Code:    CodeDatabaseError,
			Message: "Failed to read crop journey",
			Detail:  err.Error(),
		}
	}
	step := change.Step
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	if step.Timestamp.Before(last.Timestamp) {
		step.Timestamp = last.Timestamp
	}

	// Status and holder are written by one statement
	err = dbTx.Model(&models.Crop{}).Where("crop_id = ?", change.CropID).Updates(map[string]interface{}{
		"status":            change.Status,
		"current_holder_id": change.HolderID,
	}).Error
	if err != nil {
		dbTx.Rollback()
		return nil, &RepositoryError{
			Code:    CodeUpdateFailed,
			Message: "Failed to update crop",
			Detail:  err.Error(),
		}
	}

	if step.ID == "" {
		step.ID = NewID()
	}
	step.CropID = change.CropID
	if err := dbTx.Create(&step).Error; err != nil {
		dbTx.Rollback()
		return nil, &RepositoryError{
			Code:    CodeCreateFailed,
			Message: "Failed to create journey step",
			Detail:  err.Error(),
		}
	}
	change.Step = step

	if tx := change.Transaction; tx != nil {
		if tx.ID == "" {
			tx.ID = NewID()
		}
		tx.CropID = change.CropID
		tx.FromUserID = crop.HolderID()
		tx.Quantity = crop.Quantity
		if err := dbTx.Create(tx).Error; err != nil {
			dbTx.Rollback()
			return nil, &RepositoryError{
				Code:    CodeCreateFailed,
				Message: "Failed to create transaction",
				Detail:  err.Error(),
			}
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, &RepositoryError{
			Code:    CodeCommitFailed,
			Message: "Failed to commit transaction",
			Detail:  err.Error(),
		}
	}

	return &crop, nil
}

// GetCropJourney returns the journey of a crop in timestamp order
func (r *Repository) GetCropJourney(ctx context.Context, cropID string) ([]models.JourneyStep, error) {
	steps := []models.JourneyStep{}
	err := r.db.WithContext(ctx).
		Where("crop_id = ?", cropID).
		Order("timestamp ASC").
		Order("created_at ASC").
		Find(&steps).Error
	if err != nil {
		return nil, &RepositoryError{
			Code:    CodeDatabaseError,
			Message: "Failed to query crop journey",
			Detail:  err.Error(),
		}
	}
	return steps, nil
}

// GetTransactionsByCrop returns the payment transactions of a crop, newest first
func (r *Repository) GetTransactionsByCrop(ctx context.Context, cropID string) ([]models.Transaction, error) {
	txs := []models.Transaction{}
	err := r.db.WithContext(ctx).
		Where("crop_id = ?", cropID).
		Order("created_at DESC").
		Find(&txs).Error
	if err != nil {
		return nil, &RepositoryError{
			Code:    CodeDatabaseError,
			Message: "Failed to query transactions",
			Detail:  err.Error(),
		}
	}
	return txs, nil
}

func lookupError(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &RepositoryError{
			Code:    CodeNotFound,
			Message: what + " not found",
			Detail:  fmt.Sprintf("%s %s does not exist", what, id),
		}
	}
	return &RepositoryError{
		Code:    CodeDatabaseError,
		Message: "Database error",
		Detail:  err.Error(),
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation
}
