package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	GetBalance(ctx context.Context, productID, warehouseID int64) (Balance, error)
	ListBalances(ctx context.Context, warehouseID int64) ([]Balance, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	SummarizeMovements(ctx context.Context, warehouseID int64, from, to time.Time) ([]TypeSummary, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort claims request keys; a second claim of the same key
// reports shared.ErrIdempotencyConflict.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceConfig groups optional knobs.
type ServiceConfig struct {
	// DenyNegative hardens the recorder so no movement may drive a balance
	// below zero. The legacy system left the floor to callers, so the
	// default keeps the permissive behavior.
	DenyNegative bool
}

// Service coordinates ledger operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	logger      *slog.Logger
	cfg         ServiceConfig
}

// NewService builds a Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, logger: logger, cfg: cfg}
}

// Record posts a single movement inside its own transaction and returns it.
func (s *Service) Record(ctx context.Context, in MovementInput) (Movement, error) {
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		m, err := Apply(ctx, tx, in, s.cfg.DenyNegative)
		if err != nil {
			return err
		}
		movement = m
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			s.logger.Error("ledger integrity violation",
				slog.Int64("product_id", in.ProductID),
				slog.Int64("warehouse_id", in.WarehouseID),
				slog.String("type", string(in.Type)))
		}
		return Movement{}, err
	}
	s.auditMovement(ctx, movement)
	return movement, nil
}

// Adjust applies a manual add/remove/set adjustment and reports the balance
// around it. Remove may not exceed the current balance; set may drive the
// balance to any non-negative target.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (AdjustResult, error) {
	if in.ProductID == 0 || in.WarehouseID == 0 {
		return AdjustResult{}, errors.New("ledger: product and warehouse required")
	}
	if in.Kind != AdjustSet && in.Quantity <= 0 {
		return AdjustResult{}, ErrInvalidQuantity
	}
	if in.Kind == AdjustSet && in.Quantity < 0 {
		return AdjustResult{}, ErrNegativeTarget
	}

	reference := in.Reference
	if reference == "" {
		reference = adjustReference(in.IsLoss)
	}
	if err := s.claimKey(ctx, reference); err != nil {
		return AdjustResult{}, err
	}

	var result AdjustResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		balance, err := tx.GetBalanceForUpdate(ctx, in.ProductID, in.WarehouseID)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		current := balance.Quantity

		var delta float64
		switch in.Kind {
		case AdjustAdd:
			delta = math.Abs(in.Quantity)
		case AdjustRemove:
			if current < in.Quantity {
				return ErrRemoveExceedsBalance
			}
			delta = -math.Abs(in.Quantity)
		case AdjustSet:
			delta = in.Quantity - current
		default:
			return fmt.Errorf("ledger: unknown adjustment kind %q", in.Kind)
		}
		if math.Abs(delta) < qtyEpsilon {
			result = AdjustResult{PreviousQuantity: current, NewQuantity: current, Reference: reference}
			return nil
		}

		note := in.Reason
		if note == "" {
			note = "stock adjustment"
		}
		m, err := Apply(ctx, tx, MovementInput{
			ProductID:   in.ProductID,
			WarehouseID: in.WarehouseID,
			Quantity:    delta,
			Type:        TypeAdjustment,
			Reference:   reference,
			Source:      SourceRef{Kind: SourceStock, ID: in.ProductID},
			UnitCost:    in.UnitCost,
			Note:        note,
			ActorID:     in.ActorID,
		}, s.cfg.DenyNegative)
		if err != nil {
			return err
		}
		result = AdjustResult{
			PreviousQuantity: m.QuantityBefore,
			NewQuantity:      m.QuantityAfter,
			Change:           m.QuantityChange,
			Reference:        reference,
		}
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, reference)
		return AdjustResult{}, err
	}
	return result, nil
}

// Transfer moves quantity between warehouses as a debit/credit pair sharing
// one reference, posted in a single transaction.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	if in.ProductID == 0 || in.FromWarehouseID == 0 || in.ToWarehouseID == 0 {
		return TransferResult{}, errors.New("ledger: product and warehouses required")
	}
	if in.FromWarehouseID == in.ToWarehouseID {
		return TransferResult{}, ErrSameWarehouse
	}
	if in.Quantity <= 0 {
		return TransferResult{}, ErrInvalidQuantity
	}

	reference := in.Reference
	if reference == "" {
		reference = "TRF-" + shortRef()
	}
	if err := s.claimKey(ctx, reference); err != nil {
		return TransferResult{}, err
	}

	var result TransferResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		source, err := tx.GetBalanceForUpdate(ctx, in.ProductID, in.FromWarehouseID)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		if source.Quantity < in.Quantity {
			return ErrNegativeStock
		}

		out, err := Apply(ctx, tx, MovementInput{
			ProductID:   in.ProductID,
			WarehouseID: in.FromWarehouseID,
			Quantity:    -in.Quantity,
			Type:        TypeTransfer,
			Reference:   reference,
			Source:      SourceRef{Kind: SourceStock, ID: in.ProductID},
			Note:        transferNote("transfer to warehouse", in.ToWarehouseID, in.Note),
			ActorID:     in.ActorID,
		}, s.cfg.DenyNegative)
		if err != nil {
			return err
		}
		inMove, err := Apply(ctx, tx, MovementInput{
			ProductID:   in.ProductID,
			WarehouseID: in.ToWarehouseID,
			Quantity:    in.Quantity,
			Type:        TypeTransfer,
			Reference:   reference,
			Source:      SourceRef{Kind: SourceStock, ID: in.ProductID},
			Note:        transferNote("transfer from warehouse", in.FromWarehouseID, in.Note),
			ActorID:     in.ActorID,
		}, s.cfg.DenyNegative)
		if err != nil {
			return err
		}
		result = TransferResult{Reference: reference, Out: out, In: inMove}
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, reference)
		return TransferResult{}, err
	}
	s.auditMovement(ctx, result.Out)
	s.auditMovement(ctx, result.In)
	return result, nil
}

// PhysicalCount reconciles a counted quantity against the system quantity.
// A matching count writes nothing; a difference becomes one adjustment.
func (s *Service) PhysicalCount(ctx context.Context, in CountInput) (CountResult, error) {
	if in.ProductID == 0 || in.WarehouseID == 0 {
		return CountResult{}, errors.New("ledger: product and warehouse required")
	}
	if in.CountedQuantity < 0 {
		return CountResult{}, ErrNegativeTarget
	}

	reference := "COUNT-" + shortRef()
	var result CountResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		balance, err := tx.GetBalanceForUpdate(ctx, in.ProductID, in.WarehouseID)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		system := balance.Quantity
		diff := in.CountedQuantity - system
		result = CountResult{SystemQuantity: system, CountedQuantity: in.CountedQuantity, Difference: diff}
		if math.Abs(diff) < qtyEpsilon {
			return nil
		}

		note := "physical count"
		if in.Note != "" {
			note = "physical count: " + in.Note
		}
		m, err := Apply(ctx, tx, MovementInput{
			ProductID:   in.ProductID,
			WarehouseID: in.WarehouseID,
			Quantity:    diff,
			Type:        TypeAdjustment,
			Reference:   reference,
			Source:      SourceRef{Kind: SourceStock, ID: in.ProductID},
			Note:        note,
			ActorID:     in.ActorID,
		}, s.cfg.DenyNegative)
		if err != nil {
			return err
		}
		result.MovementID = m.ID
		return nil
	})
	if err != nil {
		return CountResult{}, err
	}
	return result, nil
}

// GetBalance returns the on-hand quantity, treating a missing row as zero.
func (s *Service) GetBalance(ctx context.Context, productID, warehouseID int64) (Balance, error) {
	balance, err := s.repo.GetBalance(ctx, productID, warehouseID)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{ProductID: productID, WarehouseID: warehouseID}, nil
	}
	return balance, err
}

// ListBalances lists balances for a warehouse.
func (s *Service) ListBalances(ctx context.Context, warehouseID int64) ([]Balance, error) {
	if warehouseID == 0 {
		return nil, errors.New("ledger: warehouse required")
	}
	return s.repo.ListBalances(ctx, warehouseID)
}

// ListMovements lists the movement log with filters.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Limit <= 0 {
		filter.Limit = 200
	}
	return s.repo.ListMovements(ctx, filter)
}

// SummarizeMovements aggregates in/out totals per movement type.
func (s *Service) SummarizeMovements(ctx context.Context, warehouseID int64, from, to time.Time) ([]TypeSummary, error) {
	return s.repo.SummarizeMovements(ctx, warehouseID, from, to)
}

func (s *Service) claimKey(ctx context.Context, key string) error {
	if s.idempotency == nil {
		return nil
	}
	return s.idempotency.CheckAndInsert(ctx, key, "ledger")
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if s.idempotency == nil {
		return
	}
	_ = s.idempotency.Delete(ctx, key)
}

func (s *Service) auditMovement(ctx context.Context, m Movement) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  m.ActorID,
		Action:   "ledger:" + string(m.Type),
		Entity:   "stock_movement",
		EntityID: fmt.Sprintf("%d", m.ID),
		Meta: map[string]any{
			"product_id":   m.ProductID,
			"warehouse_id": m.WarehouseID,
			"change":       m.QuantityChange,
			"after":        m.QuantityAfter,
			"reference":    m.Reference,
		},
	})
}

func adjustReference(isLoss bool) string {
	if isLoss {
		return "LOSS-" + shortRef()
	}
	return "ADJ-" + shortRef()
}

func shortRef() string {
	id := uuid.New().String()
	return time.Now().UTC().Format("20060102") + "-" + strings.ToUpper(id[:8])
}

func transferNote(prefix string, warehouseID int64, note string) string {
	base := fmt.Sprintf("%s %d", prefix, warehouseID)
	if note == "" {
		return base
	}
	return base + ": " + note
}
