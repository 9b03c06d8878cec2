package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cryptobot/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options selects and configures the database.
type Options struct {
	Driver string
	DSN    string // postgres / mysql
	Path   string // sqlite file
}

// Storage is the persistence layer for orders, trades, strategies, copy
// relations and balance snapshots.
type Storage struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(opts Options) (*Storage, error) {
	dialector, err := dialectorFor(opts)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.Driver == DriverSQLite || opts.Driver == "" {
		// single writer avoids SQLITE_BUSY under concurrent reconciliation
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&domain.Order{}, &domain.Trade{}, &domain.Strategy{}, &domain.CopyRelation{}, &domain.BalanceSnapshot{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

func dialectorFor(opts Options) (gorm.Dialector, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		path := opts.Path
		if path == "" {
			path = filepath.Join("data", "cryptobot.db")
		}
		if path == ":memory:" {
			return sqlite.Open(path), nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
		return sqlite.Open(path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), nil
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, &domain.ConfigError{Field: "storage.dsn", Err: errors.New("required for postgres")}
		}
		return postgres.Open(opts.DSN), nil
	case DriverMySQL:
		if opts.DSN == "" {
			return nil, &domain.ConfigError{Field: "storage.dsn", Err: errors.New("required for mysql")}
		}
		return mysql.Open(opts.DSN), nil
	default:
		return nil, &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unsupported driver %q", opts.Driver)}
	}
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return err
}

// ======================================================================================
// Order Operations
// ======================================================================================

// CreateOrder inserts a new order and fills in its ID.
func (s *Storage) CreateOrder(ctx context.Context, order *domain.Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

// GetOrder loads an order by internal id.
func (s *Storage) GetOrder(ctx context.Context, id uint64) (*domain.Order, error) {
	var order domain.Order
	if err := s.db.WithContext(ctx).First(&order, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("order %d", id))
	}
	return &order, nil
}

// FindOrderByExchangeID loads an order by the id the exchange assigned.
func (s *Storage) FindOrderByExchangeID(ctx context.Context, exchange, exchangeOrderID string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).
		Where("exchange = ? AND exchange_order_id = ?", exchange, exchangeOrderID).
		First(&order).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("%s order %s", exchange, exchangeOrderID))
	}
	return &order, nil
}

// ListOrdersByOwner returns the owner's orders, newest first.
func (s *Storage) ListOrdersByOwner(ctx context.Context, userID uint64, limit int) ([]domain.Order, error) {
	var orders []domain.Order
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}

// ListOpenOrders returns every non-terminal order.
func (s *Storage) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	var orders []domain.Order
	err := s.db.WithContext(ctx).
		Where("status IN ?", []domain.OrderStatus{domain.OrderStatusNew, domain.OrderStatusPartiallyFilled}).
		Order("id").
		Find(&orders).Error
	return orders, err
}

// UpdateOrderState writes the exchange-derived fields of order, provided the
// stored status still equals expected. Otherwise it returns ErrStaleUpdate.
func (s *Storage) UpdateOrderState(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error {
	res := s.db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND status = ?", order.ID, expected).
		Updates(map[string]any{
			"exchange_order_id":   order.ExchangeOrderID,
			"status":              order.Status,
			"filled_quantity":     order.FilledQuantity,
			"avg_fill_price":      order.AvgFillPrice,
			"exchange_created_at": order.ExchangeCreatedAt,
			"exchange_updated_at": order.ExchangeUpdatedAt,
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %d no longer %s", domain.ErrStaleUpdate, order.ID, expected)
	}
	return nil
}

// ======================================================================================
// Trade Operations
// ======================================================================================

// InsertTrade stores a trade once. It reports false when (exchange, trade id)
// was already present.
func (s *Storage) InsertTrade(ctx context.Context, trade *domain.Trade) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "exchange"}, {Name: "exchange_trade_id"}},
			DoNothing: true,
		}).
		Create(trade)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListTrades returns the owner's trades, optionally filtered by symbol, newest first.
func (s *Storage) ListTrades(ctx context.Context, userID uint64, symbol string, limit int) ([]domain.Trade, error) {
	var trades []domain.Trade
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("executed_at DESC").Find(&trades).Error
	return trades, err
}

// ListTradesByOrder returns the fills linked to a local order, newest first.
func (s *Storage) ListTradesByOrder(ctx context.Context, orderID uint64) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("executed_at DESC").Find(&trades).Error
	return trades, err
}

// ======================================================================================
// Strategy Operations
// ======================================================================================

// CreateStrategy inserts a strategy.
func (s *Storage) CreateStrategy(ctx context.Context, st *domain.Strategy) error {
	return s.db.WithContext(ctx).Create(st).Error
}

// GetStrategy loads a strategy by id.
func (s *Storage) GetStrategy(ctx context.Context, id uint64) (*domain.Strategy, error) {
	var st domain.Strategy
	if err := s.db.WithContext(ctx).First(&st, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("strategy %d", id))
	}
	return &st, nil
}

// ListStrategiesByOwner returns every strategy of the owner.
func (s *Storage) ListStrategiesByOwner(ctx context.Context, userID uint64) ([]domain.Strategy, error) {
	var list []domain.Strategy
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&list).Error
	return list, err
}

// ListStrategiesByStatus returns strategies in the given status.
func (s *Storage) ListStrategiesByStatus(ctx context.Context, status domain.StrategyStatus) ([]domain.Strategy, error) {
	var list []domain.Strategy
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("id").Find(&list).Error
	return list, err
}

// UpdateStrategyStatus sets a strategy's status.
func (s *Storage) UpdateStrategyStatus(ctx context.Context, id uint64, status domain.StrategyStatus) error {
	res := s.db.WithContext(ctx).Model(&domain.Strategy{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: strategy %d", domain.ErrNotFound, id)
	}
	return nil
}

// UpdateStrategyLastRun records a successful trigger.
func (s *Storage) UpdateStrategyLastRun(ctx context.Context, id uint64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.Strategy{}).Where("id = ?", id).Update("last_run_at", at).Error
}

// ======================================================================================
// Copy Relation Operations
// ======================================================================================

// UpsertCopyRelation creates the (lead, follower) link or updates its scale and status.
func (s *Storage) UpsertCopyRelation(ctx context.Context, rel *domain.CopyRelation) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "lead_id"}, {Name: "follower_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"scale_factor", "status", "updated_at"}),
		}).
		Create(rel).Error
}

// GetCopyRelation loads the link between lead and follower.
func (s *Storage) GetCopyRelation(ctx context.Context, leadID, followerID uint64) (*domain.CopyRelation, error) {
	var rel domain.CopyRelation
	err := s.db.WithContext(ctx).Where("lead_id = ? AND follower_id = ?", leadID, followerID).First(&rel).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("copy relation %d->%d", leadID, followerID))
	}
	return &rel, nil
}

// ListActiveFollowers returns the ACTIVE copy relations of a lead.
func (s *Storage) ListActiveFollowers(ctx context.Context, leadID uint64) ([]domain.CopyRelation, error) {
	var list []domain.CopyRelation
	err := s.db.WithContext(ctx).
		Where("lead_id = ? AND status = ?", leadID, domain.CopyActive).
		Order("follower_id").
		Find(&list).Error
	return list, err
}

// UpdateCopyStatus changes the status of a link, e.g. to ERROR after repeated failures.
func (s *Storage) UpdateCopyStatus(ctx context.Context, id uint64, status domain.CopyStatus) error {
	return s.db.WithContext(ctx).Model(&domain.CopyRelation{}).Where("id = ?", id).Update("status", status).Error
}

// ======================================================================================
// Balance Operations
// ======================================================================================

// ReplaceBalances stores the latest balances of one account. Assets missing
// from balances are removed, so the stored set mirrors the last fetch.
func (s *Storage) ReplaceBalances(ctx context.Context, userID, credentialID uint64, balances []domain.BalanceSnapshot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assets := make([]string, 0, len(balances))
		for i := range balances {
			balances[i].UserID = userID
			balances[i].CredentialID = credentialID
			assets = append(assets, balances[i].Asset)
		}

		stale := tx.Where("user_id = ? AND credential_id = ?", userID, credentialID)
		if len(assets) > 0 {
			stale = stale.Where("asset NOT IN ?", assets)
		}
		if err := stale.Delete(&domain.BalanceSnapshot{}).Error; err != nil {
			return err
		}
		if len(balances) == 0 {
			return nil
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "credential_id"}, {Name: "asset"}},
			DoUpdates: clause.AssignmentColumns([]string{"exchange", "free", "locked", "total", "updated_at"}),
		}).Create(&balances).Error
	})
}

// ListBalances returns the stored balances of the owner ordered by asset.
func (s *Storage) ListBalances(ctx context.Context, userID uint64) ([]domain.BalanceSnapshot, error) {
	var list []domain.BalanceSnapshot
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("asset, credential_id").Find(&list).Error
	return list, err
}
