package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/orders"
	"github.com/meridian-erp/meridian-erp/internal/returns"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const qtyEpsilon = 1e-6

// TxRepository is the transactional surface of a delivery mutation. The
// ledger store is bound to the same transaction, so the dispatch stock check
// and its debits commit or roll back as one unit.
type TxRepository interface {
	Ledger() ledger.TxStore

	GetDeliveryForUpdate(ctx context.Context, id int64) (Delivery, error)
	InsertDelivery(ctx context.Context, d Delivery) (int64, error)
	SetDeliveryStatus(ctx context.Context, id int64, status Status, at time.Time) error
	RefreshCounts(ctx context.Context, deliveryID int64) (Delivery, error)

	GetStops(ctx context.Context, deliveryID int64) ([]Stop, error)
	GetStopForUpdate(ctx context.Context, deliveryID, orderID int64) (Stop, error)
	InsertStop(ctx context.Context, s Stop) (int64, error)
	UpdateStop(ctx context.Context, s Stop) error

	GetStaging(ctx context.Context, deliveryID int64) ([]StagingLine, error)
	InsertStagingLine(ctx context.Context, l StagingLine) error
	AddStagingDelivered(ctx context.Context, deliveryID, productID int64, qty float64) error
	AddStagingReturned(ctx context.Context, deliveryID, productID int64, qty float64) error

	GetOrder(ctx context.Context, orderID int64) (orders.Order, error)
	SetOrderStatus(ctx context.Context, orderID int64, status orders.Status) error
	SetItemDeliveredQuantity(ctx context.Context, orderID, productID int64, qty float64) error

	ProductFinancials(ctx context.Context, productID int64) (costPrice, taxPercent float64, err error)
	InsertReturnRecord(ctx context.Context, rec returns.Record) (int64, error)
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDelivery(ctx context.Context, id int64) (Delivery, error)
	List(ctx context.Context, f ListFilter) ([]Delivery, error)
	ActiveForDriver(ctx context.Context, driverID int64) (Delivery, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the delivery lifecycle.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds a Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// Create stages confirmed orders onto a new preparing run. Every order must
// be confirmed and all orders must share one warehouse; a single bad order
// rejects the whole batch. Staged quantities are aggregated per product and
// the orders move to assigned so they stop double-reserving once the run
// starts.
func (s *Service) Create(ctx context.Context, in CreateInput) (Delivery, error) {
	if len(in.OrderIDs) == 0 {
		return Delivery{}, ErrNoOrders
	}
	if in.DriverID == 0 {
		return Delivery{}, errors.New("delivery: driver required")
	}

	var created Delivery
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		loaded := make(map[int64]float64)
		batch := make([]orders.Order, 0, len(in.OrderIDs))
		var warehouseID int64
		total := decimal.Zero

		for _, orderID := range in.OrderIDs {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if o.Status != orders.StatusConfirmed {
				return fmt.Errorf("%w: %s", ErrOrderNotConfirmed, o.Reference)
			}
			if warehouseID == 0 {
				warehouseID = o.WarehouseID
			} else if o.WarehouseID != warehouseID {
				return fmt.Errorf("%w: %s", ErrMixedWarehouses, o.Reference)
			}
			for _, item := range o.Items {
				loaded[item.ProductID] += item.EffectiveQuantity()
			}
			total = total.Add(decimal.NewFromFloat(o.GrandTotal))
			batch = append(batch, o)
		}

		d := Delivery{
			Reference:   newReference(),
			DriverID:    in.DriverID,
			VehicleID:   in.VehicleID,
			WarehouseID: warehouseID,
			Date:        in.Date,
			Status:      StatusPreparing,
			OrderCount:  len(batch),
			Notes:       in.Notes,
		}
		d.TotalAmount, _ = total.Round(2).Float64()
		id, err := tx.InsertDelivery(ctx, d)
		if err != nil {
			return err
		}
		d.ID = id

		for i, o := range batch {
			_, err := tx.InsertStop(ctx, Stop{
				DeliveryID: id,
				OrderID:    o.ID,
				ClientID:   o.ClientID,
				Position:   i + 1,
				Status:     StopPending,
				AmountDue:  o.GrandTotal,
			})
			if err != nil {
				return err
			}
			if err := tx.SetOrderStatus(ctx, o.ID, orders.StatusAssigned); err != nil {
				return err
			}
		}

		productIDs := make([]int64, 0, len(loaded))
		for pid := range loaded {
			productIDs = append(productIDs, pid)
		}
		sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })
		for _, pid := range productIDs {
			err := tx.InsertStagingLine(ctx, StagingLine{
				DeliveryID:     id,
				ProductID:      pid,
				QuantityLoaded: loaded[pid],
			})
			if err != nil {
				return err
			}
		}

		created = d
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}

	s.logger.Info("delivery created",
		slog.String("reference", created.Reference),
		slog.Int64("driver_id", created.DriverID),
		slog.Int("orders", created.OrderCount))
	s.auditDelivery(ctx, in.ActorID, "delivery.create", created.ID, map[string]any{
		"reference": created.Reference,
		"orders":    len(in.OrderIDs),
	})
	return s.repo.GetDelivery(ctx, created.ID)
}

// Start dispatches a preparing run. In one transaction it verifies every
// staged product against the locked warehouse balance and, only if every
// line is covered, debits the full load as delivery_out movements. Any
// shortage aborts the whole dispatch with a per-product report.
func (s *Service) Start(ctx context.Context, deliveryID, actorID int64) (Delivery, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetDeliveryForUpdate(ctx, deliveryID)
		if err != nil {
			return err
		}
		if !d.Status.CanStart() {
			return ErrNotPreparing
		}
		staging, err := tx.GetStaging(ctx, deliveryID)
		if err != nil {
			return err
		}

		store := tx.Ledger()
		var shortages []shared.StockShortage
		for _, line := range staging {
			balance, err := store.GetBalanceForUpdate(ctx, line.ProductID, d.WarehouseID)
			if err != nil && !errors.Is(err, ledger.ErrBalanceNotFound) {
				return err
			}
			if balance.Quantity < line.QuantityLoaded-qtyEpsilon {
				shortages = append(shortages, shared.StockShortage{
					ProductID: line.ProductID,
					Requested: line.QuantityLoaded,
					Available: balance.Quantity,
				})
			}
		}
		if len(shortages) > 0 {
			return &shared.InsufficientStockError{Shortages: shortages}
		}

		for _, line := range staging {
			_, err := ledger.Apply(ctx, store, ledger.MovementInput{
				ProductID:   line.ProductID,
				WarehouseID: d.WarehouseID,
				Quantity:    line.QuantityLoaded,
				Type:        ledger.TypeDeliveryOut,
				Reference:   d.Reference,
				Source:      ledger.SourceRef{Kind: ledger.SourceDelivery, ID: d.ID},
				Note:        "dispatched with driver",
				ActorID:     actorID,
			}, false)
			if err != nil {
				return err
			}
		}

		return tx.SetDeliveryStatus(ctx, deliveryID, StatusInProgress, time.Now().UTC())
	})
	if err != nil {
		return Delivery{}, err
	}

	s.logger.Info("delivery started", slog.Int64("delivery_id", deliveryID))
	s.auditDelivery(ctx, actorID, "delivery.start", deliveryID, nil)
	return s.repo.GetDelivery(ctx, deliveryID)
}

// DeliverStop marks a stop fully delivered. The staged quantities move to
// delivered, the order closes as delivered, and the collected amount
// defaults to the full amount due.
func (s *Service) DeliverStop(ctx context.Context, deliveryID, orderID int64, in DeliverInput) (Stop, error) {
	var out Stop
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stop, o, err := s.resolvableStop(ctx, tx, deliveryID, orderID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		stop.Status = StopDelivered
		stop.DeliveredAt = &now
		if in.AmountCollected != nil {
			stop.AmountCollected = *in.AmountCollected
		} else {
			stop.AmountCollected = stop.AmountDue
		}
		if err := tx.UpdateStop(ctx, stop); err != nil {
			return err
		}

		for _, item := range o.Items {
			qty := item.EffectiveQuantity()
			if err := tx.AddStagingDelivered(ctx, deliveryID, item.ProductID, qty); err != nil {
				return err
			}
			if err := tx.SetItemDeliveredQuantity(ctx, orderID, item.ProductID, qty); err != nil {
				return err
			}
		}
		if err := tx.SetOrderStatus(ctx, orderID, orders.StatusDelivered); err != nil {
			return err
		}
		if _, err := tx.RefreshCounts(ctx, deliveryID); err != nil {
			return err
		}
		out = stop
		return nil
	})
	if err != nil {
		return Stop{}, err
	}
	s.auditDelivery(ctx, in.ActorID, "delivery.stop.deliver", deliveryID, map[string]any{"order_id": orderID})
	return out, nil
}

// PartialStop marks a stop partially delivered. Delivered quantities reduce
// the amount due proportionally (per-line discount scales with the delivered
// share, product tax applies on top) and every returned quantity becomes an
// unprocessed return record classified by its reason.
func (s *Service) PartialStop(ctx context.Context, deliveryID, orderID int64, in PartialInput) (Stop, error) {
	if len(in.Lines) == 0 {
		return Stop{}, errors.New("delivery: at least one item required")
	}
	for _, line := range in.Lines {
		if line.QuantityReturned > 0 && line.ReturnReason != "" && !line.ReturnReason.IsValid() {
			return Stop{}, fmt.Errorf("%w: %s", ErrInvalidReason, line.ReturnReason)
		}
	}

	var out Stop
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stop, o, err := s.resolvableStop(ctx, tx, deliveryID, orderID)
		if err != nil {
			return err
		}

		items := make(map[int64]orders.Item, len(o.Items))
		for _, item := range o.Items {
			items[item.ProductID] = item
		}

		amountDue := decimal.Zero
		for _, line := range in.Lines {
			item, ok := items[line.ProductID]
			if !ok {
				return fmt.Errorf("delivery: product %d not on order %s: %w", line.ProductID, o.Reference, ErrNotFound)
			}
			confirmed := item.EffectiveQuantity()
			if line.QuantityDelivered+line.QuantityReturned > confirmed+qtyEpsilon {
				return fmt.Errorf("%w: product %d", ErrExceedsConfirmed, line.ProductID)
			}

			costPrice, taxPercent, err := tx.ProductFinancials(ctx, line.ProductID)
			if err != nil {
				return err
			}

			if line.QuantityDelivered > 0 {
				if err := tx.SetItemDeliveredQuantity(ctx, orderID, line.ProductID, line.QuantityDelivered); err != nil {
					return err
				}
				if err := tx.AddStagingDelivered(ctx, deliveryID, line.ProductID, line.QuantityDelivered); err != nil {
					return err
				}
				amountDue = amountDue.Add(lineAmount(item, line.QuantityDelivered, confirmed, taxPercent))
			}

			if line.QuantityReturned > 0 {
				reason := line.ReturnReason
				if reason == "" {
					reason = returns.ReasonOther
				}
				rec := returns.Record{
					DeliveryID:        deliveryID,
					OrderID:           orderID,
					ProductID:         line.ProductID,
					Quantity:          line.QuantityReturned,
					Reason:            reason,
					ReturnableToStock: reason.ReturnableToStock(),
					UnitCost:          costPrice,
				}
				if !rec.ReturnableToStock {
					rec.LossAmount, _ = decimal.NewFromFloat(costPrice).
						Mul(decimal.NewFromFloat(line.QuantityReturned)).
						Round(2).Float64()
				}
				if _, err := tx.InsertReturnRecord(ctx, rec); err != nil {
					return err
				}
				if err := tx.AddStagingReturned(ctx, deliveryID, line.ProductID, line.QuantityReturned); err != nil {
					return err
				}
			}
		}

		now := time.Now().UTC()
		stop.Status = StopPartial
		stop.DeliveredAt = &now
		stop.AmountDue, _ = amountDue.Round(2).Float64()
		stop.AmountCollected = in.AmountCollected
		if err := tx.UpdateStop(ctx, stop); err != nil {
			return err
		}
		if err := tx.SetOrderStatus(ctx, orderID, orders.StatusPartial); err != nil {
			return err
		}
		if _, err := tx.RefreshCounts(ctx, deliveryID); err != nil {
			return err
		}
		out = stop
		return nil
	})
	if err != nil {
		return Stop{}, err
	}
	s.auditDelivery(ctx, in.ActorID, "delivery.stop.partial", deliveryID, map[string]any{"order_id": orderID})
	return out, nil
}

// FailStop marks a stop failed. Nothing was handed over, so the amount due
// zeroes out and every confirmed quantity comes back as a store_closed
// return record waiting to be restocked.
func (s *Service) FailStop(ctx context.Context, deliveryID, orderID int64, in FailInput) (Stop, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return Stop{}, errors.New("delivery: failure reason required")
	}

	var out Stop
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stop, o, err := s.resolvableStop(ctx, tx, deliveryID, orderID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		stop.Status = StopFailed
		stop.FailureReason = in.Reason
		stop.AttemptedAt = &now
		stop.AmountDue = 0
		stop.AmountCollected = 0
		if err := tx.UpdateStop(ctx, stop); err != nil {
			return err
		}

		for _, item := range o.Items {
			qty := item.EffectiveQuantity()
			if qty < qtyEpsilon {
				continue
			}
			costPrice, _, err := tx.ProductFinancials(ctx, item.ProductID)
			if err != nil {
				return err
			}
			_, err = tx.InsertReturnRecord(ctx, returns.Record{
				DeliveryID:        deliveryID,
				OrderID:           orderID,
				ProductID:         item.ProductID,
				Quantity:          qty,
				Reason:            returns.ReasonStoreClosed,
				ReturnableToStock: true,
				UnitCost:          costPrice,
				Notes:             in.Reason,
			})
			if err != nil {
				return err
			}
			if err := tx.AddStagingReturned(ctx, deliveryID, item.ProductID, qty); err != nil {
				return err
			}
		}

		if _, err := tx.RefreshCounts(ctx, deliveryID); err != nil {
			return err
		}
		out = stop
		return nil
	})
	if err != nil {
		return Stop{}, err
	}
	s.auditDelivery(ctx, in.ActorID, "delivery.stop.fail", deliveryID, map[string]any{"order_id": orderID})
	return out, nil
}

// PostponeStop pushes a stop to later in the run. A postponed stop can still
// be delivered, partially delivered or failed afterwards.
func (s *Service) PostponeStop(ctx context.Context, deliveryID, orderID int64, notes string, actorID int64) (Stop, error) {
	var out Stop
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stop, _, err := s.resolvableStop(ctx, tx, deliveryID, orderID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		stop.Status = StopPostponed
		stop.AttemptedAt = &now
		stop.Notes = notes
		if err := tx.UpdateStop(ctx, stop); err != nil {
			return err
		}
		if _, err := tx.RefreshCounts(ctx, deliveryID); err != nil {
			return err
		}
		out = stop
		return nil
	})
	if err != nil {
		return Stop{}, err
	}
	return out, nil
}

// Complete closes an in-progress run after its counters are refreshed.
// Unresolved stops stay as they are; only the run status changes.
func (s *Service) Complete(ctx context.Context, deliveryID, actorID int64) (Delivery, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetDeliveryForUpdate(ctx, deliveryID)
		if err != nil {
			return err
		}
		if !d.Status.CanComplete() {
			return ErrNotInProgress
		}
		if _, err := tx.RefreshCounts(ctx, deliveryID); err != nil {
			return err
		}
		return tx.SetDeliveryStatus(ctx, deliveryID, StatusCompleted, time.Now().UTC())
	})
	if err != nil {
		return Delivery{}, err
	}
	s.logger.Info("delivery completed", slog.Int64("delivery_id", deliveryID))
	s.auditDelivery(ctx, actorID, "delivery.complete", deliveryID, nil)
	return s.repo.GetDelivery(ctx, deliveryID)
}

// Cancel abandons a preparing run. Its orders go back to confirmed so they
// reserve availability again and can be staged onto another run.
func (s *Service) Cancel(ctx context.Context, deliveryID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetDeliveryForUpdate(ctx, deliveryID)
		if err != nil {
			return err
		}
		if !d.Status.CanCancel() {
			return ErrNotPreparing
		}
		stops, err := tx.GetStops(ctx, deliveryID)
		if err != nil {
			return err
		}
		for _, stop := range stops {
			if err := tx.SetOrderStatus(ctx, stop.OrderID, orders.StatusConfirmed); err != nil {
				return err
			}
		}
		return tx.SetDeliveryStatus(ctx, deliveryID, StatusCancelled, time.Now().UTC())
	})
	if err != nil {
		return err
	}
	s.auditDelivery(ctx, actorID, "delivery.cancel", deliveryID, nil)
	return nil
}

// RefreshCounts recomputes the run's projection counters from its stops.
// It is safe to run any number of times.
func (s *Service) RefreshCounts(ctx context.Context, deliveryID int64) (Delivery, error) {
	var out Delivery
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.RefreshCounts(ctx, deliveryID)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// Get returns one delivery with its stops and staging lines.
func (s *Service) Get(ctx context.Context, id int64) (Delivery, error) {
	return s.repo.GetDelivery(ctx, id)
}

// List returns deliveries matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Delivery, error) {
	return s.repo.List(ctx, f)
}

// ActiveForDriver returns the driver's current preparing or in-progress run.
func (s *Service) ActiveForDriver(ctx context.Context, driverID int64) (Delivery, error) {
	return s.repo.ActiveForDriver(ctx, driverID)
}

// resolvableStop loads and locks the stop plus its order, enforcing that the
// run is underway and the stop still accepts an outcome.
func (s *Service) resolvableStop(ctx context.Context, tx TxRepository, deliveryID, orderID int64) (Stop, orders.Order, error) {
	d, err := tx.GetDeliveryForUpdate(ctx, deliveryID)
	if err != nil {
		return Stop{}, orders.Order{}, err
	}
	if d.Status != StatusInProgress {
		return Stop{}, orders.Order{}, ErrNotInProgress
	}
	stop, err := tx.GetStopForUpdate(ctx, deliveryID, orderID)
	if err != nil {
		return Stop{}, orders.Order{}, err
	}
	if !stop.Status.Resolvable() {
		return Stop{}, orders.Order{}, ErrStopResolved
	}
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return Stop{}, orders.Order{}, err
	}
	return stop, o, nil
}

// lineAmount prices the delivered share of one order line. The line discount
// applies per confirmed unit, so only the delivered fraction of it is kept.
func lineAmount(item orders.Item, delivered, confirmed, taxPercent float64) decimal.Decimal {
	amount := decimal.NewFromFloat(item.UnitPrice).Mul(decimal.NewFromFloat(delivered))
	if item.Discount > 0 && confirmed > qtyEpsilon {
		share := decimal.NewFromFloat(item.Discount).
			Div(decimal.NewFromFloat(confirmed)).
			Mul(decimal.NewFromFloat(delivered))
		amount = amount.Sub(share)
	}
	if taxPercent > 0 {
		amount = amount.Add(amount.Mul(decimal.NewFromFloat(taxPercent)).Div(decimal.NewFromInt(100)))
	}
	return amount
}

func (s *Service) auditDelivery(ctx context.Context, actorID int64, action string, deliveryID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "delivery",
		EntityID: strconv.FormatInt(deliveryID, 10),
		Meta:     meta,
	})
}

func newReference() string {
	id := uuid.New().String()
	return "DEL-" + time.Now().UTC().Format("20060102") + "-" + strings.ToUpper(id[:8])
}
