package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cryptobot/internal/domain"
	"cryptobot/internal/infra"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// CopyStore is the copy relation persistence the mirror needs.
type CopyStore interface {
	UpsertCopyRelation(ctx context.Context, rel *domain.CopyRelation) error
	GetCopyRelation(ctx context.Context, leadID, followerID uint64) (*domain.CopyRelation, error)
	ListActiveFollowers(ctx context.Context, leadID uint64) ([]domain.CopyRelation, error)
	UpdateCopyStatus(ctx context.Context, id uint64, status domain.CopyStatus) error
}

// OrderPlacer submits an order on behalf of a user.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID uint64, req domain.OrderRequest) (*domain.Order, error)
}

// MirrorResult is the outcome for one follower.
type MirrorResult struct {
	FollowerID uint64
	Order      *domain.Order
	Err        error
}

// TradeMirror replicates lead orders to ACTIVE followers at scaled quantities.
type TradeMirror struct {
	store    CopyStore
	placer   OrderPlacer
	maxDepth int
	metrics  *infra.Metrics
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewTradeMirror creates a mirror. maxDepth bounds how often a mirrored
// order is mirrored again (minimum 1).
func NewTradeMirror(store CopyStore, placer OrderPlacer, maxDepth int, metrics *infra.Metrics) *TradeMirror {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &TradeMirror{
		store:    store,
		placer:   placer,
		maxDepth: maxDepth,
		metrics:  metrics,
		logger:   slog.Default().With("module", "trade_mirror"),
	}
}

// OnLeadPlaced starts the fan-out in the background. The lead order's
// outcome never depends on it.
func (m *TradeMirror) OnLeadPlaced(ctx context.Context, lead domain.Order) {
	if lead.MirrorDepth >= m.maxDepth {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Mirror fan-out panic recovered", slog.Uint64("lead_order_id", lead.ID), slog.Any("panic", r))
			}
		}()
		m.FanOut(context.WithoutCancel(ctx), lead)
	}()
}

// Wait blocks until every background fan-out has finished.
func (m *TradeMirror) Wait() {
	m.wg.Wait()
}

// FanOut submits one scaled order per ACTIVE follower concurrently. A
// failing follower is logged; its siblings still complete.
func (m *TradeMirror) FanOut(ctx context.Context, lead domain.Order) []MirrorResult {
	followers, err := m.store.ListActiveFollowers(ctx, lead.UserID)
	if err != nil {
		m.logger.Error("Failed to load followers", slog.Uint64("lead_id", lead.UserID), slog.Any("error", err))
		return nil
	}
	if len(followers) == 0 {
		return nil
	}

	results := make([]MirrorResult, len(followers))
	var g errgroup.Group // no shared context: one failure must not cancel the others

	for i, rel := range followers {
		g.Go(func() error {
			results[i] = m.mirrorOne(ctx, lead, rel)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	m.logger.Info("Lead order mirrored",
		slog.Uint64("lead_order_id", lead.ID),
		slog.Int("followers", len(followers)),
		slog.Int("failed", failed),
	)
	return results
}

func (m *TradeMirror) mirrorOne(ctx context.Context, lead domain.Order, rel domain.CopyRelation) (res MirrorResult) {
	res.FollowerID = rel.FollowerID
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("mirror panic: %v", r)
		}
		m.metrics.RecordMirror(res.Err != nil)
		if res.Err != nil {
			m.logger.Warn("Mirror order failed",
				slog.Uint64("lead_order_id", lead.ID),
				slog.Uint64("follower_id", rel.FollowerID),
				slog.Any("error", res.Err),
			)
		}
	}()

	if rel.FollowerID == lead.UserID {
		res.Err = fmt.Errorf("follower %d is the lead", rel.FollowerID)
		return res
	}

	qty := rel.Scale(lead.Quantity)
	if !qty.IsPositive() {
		res.Err = &domain.ValidationError{Field: "scale_factor", Reason: "scaled quantity is not positive"}
		return res
	}

	req := domain.OrderRequest{
		Symbol:        lead.Symbol,
		Side:          lead.Side,
		Type:          lead.Type,
		Quantity:      qty,
		Price:         lead.Price,
		TimeInForce:   lead.TimeInForce,
		ParentOrderID: lead.ID,
		MirrorDepth:   lead.MirrorDepth + 1,
	}
	if req.Type == domain.OrderTypeMarket {
		req.Price = decimal.Zero
	}

	res.Order, res.Err = m.placer.PlaceOrder(ctx, rel.FollowerID, req)
	return res
}

// LinkFollower creates or refreshes an ACTIVE copy relation.
func (m *TradeMirror) LinkFollower(ctx context.Context, leadID, followerID uint64, scale decimal.Decimal) (*domain.CopyRelation, error) {
	switch {
	case leadID == 0:
		return nil, &domain.ValidationError{Field: "lead_id", Reason: "required"}
	case followerID == 0:
		return nil, &domain.ValidationError{Field: "follower_id", Reason: "required"}
	case leadID == followerID:
		return nil, &domain.ValidationError{Field: "follower_id", Reason: "cannot follow yourself"}
	case !scale.IsPositive():
		return nil, &domain.ValidationError{Field: "scale_factor", Reason: "must be positive"}
	}

	rel := &domain.CopyRelation{
		LeadID:      leadID,
		FollowerID:  followerID,
		ScaleFactor: scale,
		Status:      domain.CopyActive,
	}
	if err := m.store.UpsertCopyRelation(ctx, rel); err != nil {
		return nil, fmt.Errorf("link follower %d to %d: %w", followerID, leadID, err)
	}

	stored, err := m.store.GetCopyRelation(ctx, leadID, followerID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Follower linked",
		slog.Uint64("lead_id", leadID),
		slog.Uint64("follower_id", followerID),
		slog.String("scale", scale.String()),
	)
	return stored, nil
}

// SetLinkStatus pauses, resumes or flags a relation.
func (m *TradeMirror) SetLinkStatus(ctx context.Context, leadID, followerID uint64, status domain.CopyStatus) error {
	switch status {
	case domain.CopyActive, domain.CopyPaused, domain.CopyError:
	default:
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown copy status %q", status)}
	}
	rel, err := m.store.GetCopyRelation(ctx, leadID, followerID)
	if err != nil {
		return err
	}
	return m.store.UpdateCopyStatus(ctx, rel.ID, status)
}
