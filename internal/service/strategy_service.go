package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cryptobot/internal/domain"
)

// StrategyStore is the strategy persistence the service and engine need.
type StrategyStore interface {
	CreateStrategy(ctx context.Context, st *domain.Strategy) error
	GetStrategy(ctx context.Context, id uint64) (*domain.Strategy, error)
	ListStrategiesByOwner(ctx context.Context, userID uint64) ([]domain.Strategy, error)
	ListStrategiesByStatus(ctx context.Context, status domain.StrategyStatus) ([]domain.Strategy, error)
	UpdateStrategyStatus(ctx context.Context, id uint64, status domain.StrategyStatus) error
	UpdateStrategyLastRun(ctx context.Context, id uint64, at time.Time) error
}

// StrategyValidator checks a strategy definition before it is stored.
type StrategyValidator interface {
	Validate(st domain.Strategy) error
}

// StrategyActivator is the running engine's view of status toggles.
type StrategyActivator interface {
	Activate(ctx context.Context, st domain.Strategy)
	Deactivate(id uint64)
}

// StrategyService manages owner-scoped strategy definitions.
type StrategyService struct {
	store     StrategyStore
	validator StrategyValidator
	engine    StrategyActivator
	logger    *slog.Logger
}

// NewStrategyService creates the service. engine may be nil when no engine
// runs in this process (CLI commands).
func NewStrategyService(store StrategyStore, validator StrategyValidator, engine StrategyActivator) *StrategyService {
	return &StrategyService{
		store:     store,
		validator: validator,
		engine:    engine,
		logger:    slog.Default().With("module", "strategy_service"),
	}
}

// Create stores a new strategy for userID. It always starts PAUSED.
func (s *StrategyService) Create(ctx context.Context, userID uint64, st domain.Strategy) (*domain.Strategy, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: missing owner", domain.ErrUnauthorized)
	}
	st.ID = 0
	st.UserID = userID
	st.Symbol = domain.NormalizeSymbol(st.Symbol)
	st.Status = domain.StrategyPaused
	st.LastRunAt = nil
	if st.Params == nil {
		st.Params = domain.Params{}
	}
	if err := s.validator.Validate(st); err != nil {
		return nil, err
	}

	if err := s.store.CreateStrategy(ctx, &st); err != nil {
		return nil, fmt.Errorf("create strategy: %w", err)
	}
	s.logger.Info("Strategy created",
		slog.Uint64("strategy_id", st.ID),
		slog.Uint64("user_id", userID),
		slog.String("type", string(st.Type)),
		slog.String("symbol", st.Symbol),
	)
	return &st, nil
}

// SetStatus persists a new status and then toggles the strategy in the engine.
func (s *StrategyService) SetStatus(ctx context.Context, userID, strategyID uint64, status domain.StrategyStatus) (*domain.Strategy, error) {
	if _, err := domain.ParseStrategyStatus(string(status)); err != nil {
		return nil, err
	}
	st, err := s.Get(ctx, userID, strategyID)
	if err != nil {
		return nil, err
	}
	if st.Status == status {
		return st, nil
	}

	if err := s.store.UpdateStrategyStatus(ctx, st.ID, status); err != nil {
		return nil, fmt.Errorf("update strategy %d: %w", st.ID, err)
	}
	st.Status = status

	if s.engine != nil {
		if st.IsActive() {
			s.engine.Activate(ctx, *st)
		} else {
			s.engine.Deactivate(st.ID)
		}
	}
	s.logger.Info("Strategy status changed", slog.Uint64("strategy_id", st.ID), slog.String("status", string(status)))
	return st, nil
}

// Get returns a strategy owned by userID.
func (s *StrategyService) Get(ctx context.Context, userID, strategyID uint64) (*domain.Strategy, error) {
	st, err := s.store.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if userID == 0 || st.UserID != userID {
		return nil, fmt.Errorf("%w: strategy %d", domain.ErrUnauthorized, strategyID)
	}
	return st, nil
}

// List returns every strategy of userID.
func (s *StrategyService) List(ctx context.Context, userID uint64) ([]domain.Strategy, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: missing owner", domain.ErrUnauthorized)
	}
	return s.store.ListStrategiesByOwner(ctx, userID)
}
