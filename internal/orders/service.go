package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/availability"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// StockChecker is the availability surface the order lifecycle consumes.
// TxRepository satisfies it with transaction-bound reads; checks always share
// the transaction of the write they authorize.
type StockChecker interface {
	Available(ctx context.Context, q availability.Query) (float64, error)
	AvailableBatch(ctx context.Context, productIDs []int64, warehouseID, excludeOrderID int64) (map[int64]float64, error)
}

// RepositoryPort abstracts order persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, error)
	GetItem(ctx context.Context, orderID, itemID int64) (*Item, error)
	HasDeliveryAssignment(ctx context.Context, orderID int64) (bool, error)
}

// Service owns the order lifecycle.
type Service struct {
	repo RepositoryPort
}

// NewService builds a Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Create validates availability for every requested line and persists the
// order as pending. Any shortage rejects the whole batch; nothing is
// committed partially. The new order reserves stock but never debits it.
// The check and the insert share one transaction with the balance rows
// locked, so two competing creators cannot both reserve the last units.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Order, error) {
	if in.WarehouseID == 0 || in.ClientID == 0 {
		return nil, errors.New("orders: client and warehouse required")
	}
	if len(in.Items) == 0 {
		return nil, ErrNoItems
	}
	for _, item := range in.Items {
		if item.ProductID == 0 || item.Quantity <= 0 {
			return nil, fmt.Errorf("orders: invalid quantity for product %d", item.ProductID)
		}
	}

	date := in.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	order := &Order{
		Reference:   "ORD-" + newRef(),
		ClientID:    in.ClientID,
		SellerID:    in.SellerID,
		WarehouseID: in.WarehouseID,
		Date:        date,
		Status:      StatusPending,
		Discount:    in.Discount,
		Tax:         in.Tax,
		Notes:       in.Notes,
	}
	for _, item := range in.Items {
		confirmed := item.Quantity // defaults to the ordered quantity
		order.Items = append(order.Items, Item{
			ProductID:         item.ProductID,
			QuantityOrdered:   item.Quantity,
			QuantityConfirmed: &confirmed,
			UnitPrice:         item.UnitPrice,
			Discount:          item.Discount,
		})
	}
	order.GrandTotal = grandTotal(order)

	var orderID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockStock(ctx, in.WarehouseID, productIDs(in.Items)); err != nil {
			return err
		}
		if err := checkBatch(ctx, tx, in.WarehouseID, 0, in.Items); err != nil {
			return err
		}
		id, err := tx.InsertOrder(ctx, *order)
		if err != nil {
			return err
		}
		orderID = id
		for i := range order.Items {
			order.Items[i].OrderID = id
			if _, err := tx.InsertItem(ctx, order.Items[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetOrder(ctx, orderID)
}

// Confirm re-checks availability excluding this order's own reservation and
// moves a pending order to confirmed. Check and status update run in one
// transaction against locked balance rows.
func (s *Service) Confirm(ctx context.Context, id int64) (*Order, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if order.Status != StatusPending {
			return ErrNotPending
		}

		ids := make([]int64, 0, len(order.Items))
		for _, item := range order.Items {
			ids = append(ids, item.ProductID)
		}
		if err := tx.LockStock(ctx, order.WarehouseID, ids); err != nil {
			return err
		}
		available, err := tx.AvailableBatch(ctx, ids, order.WarehouseID, order.ID)
		if err != nil {
			return err
		}
		var shortages []shared.StockShortage
		for _, item := range order.Items {
			required := item.QuantityOrdered
			if available[item.ProductID] < required {
				shortages = append(shortages, shared.StockShortage{
					ProductID: item.ProductID,
					Requested: required,
					Available: available[item.ProductID],
				})
			}
		}
		if len(shortages) > 0 {
			return &shared.InsufficientStockError{Shortages: shortages}
		}
		return tx.UpdateOrderStatus(ctx, id, StatusConfirmed)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetOrder(ctx, id)
}

// ConfirmItemQuantity adjusts one line's confirmed quantity before dispatch.
// The availability check excludes this order and adds back the line's own
// previous confirmation, since that reservation is being replaced.
func (s *Service) ConfirmItemQuantity(ctx context.Context, orderID, itemID int64, quantity float64) (*Item, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("orders: confirmed quantity must not be negative")
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != StatusPending && order.Status != StatusConfirmed {
			return shared.ErrInvalidTransition
		}
		item, err := tx.GetItem(ctx, orderID, itemID)
		if err != nil {
			return err
		}
		if quantity > item.QuantityOrdered {
			return ErrConfirmExceedsOrdered
		}

		if err := tx.LockStock(ctx, order.WarehouseID, []int64{item.ProductID}); err != nil {
			return err
		}
		available, err := tx.Available(ctx, availability.Query{
			ProductID:      item.ProductID,
			WarehouseID:    order.WarehouseID,
			ExcludeOrderID: orderID,
		})
		if err != nil {
			return err
		}
		if item.QuantityConfirmed != nil {
			available += *item.QuantityConfirmed
		}
		if quantity > available {
			return &shared.InsufficientStockError{Shortages: []shared.StockShortage{{
				ProductID: item.ProductID,
				Requested: quantity,
				Available: available,
			}}}
		}

		if err := tx.UpdateItemConfirmedQuantity(ctx, itemID, quantity); err != nil {
			return err
		}
		return recalculateTotals(ctx, tx, orderID)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetItem(ctx, orderID, itemID)
}

// AssignToDelivery marks confirmed orders as assigned; called by the
// delivery module inside its creation transaction through this service's
// repository, so the port only validates here.
func (s *Service) AssignToDelivery(ctx context.Context, id int64) error {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.Status != StatusConfirmed {
		return shared.ErrInvalidTransition
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrderStatus(ctx, id, StatusAssigned)
	})
}

// Cancel releases the order's reservation. Permitted from pending and
// confirmed only; assigned orders belong to a delivery run.
func (s *Service) Cancel(ctx context.Context, id int64) (*Order, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanCancel() {
		return nil, ErrNotCancellable
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrderStatus(ctx, id, StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetOrder(ctx, id)
}

// Delete removes a pending order that was never assigned. No stock effect:
// the reservation simply disappears with the rows.
func (s *Service) Delete(ctx context.Context, id int64) error {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.Status != StatusPending {
		return ErrNotDeletable
	}
	assigned, err := s.repo.HasDeliveryAssignment(ctx, id)
	if err != nil {
		return err
	}
	if assigned {
		return ErrNotDeletable
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SoftDeleteOrder(ctx, id)
	})
}

// Get returns one order with its items.
func (s *Service) Get(ctx context.Context, id int64) (*Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// List returns orders matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return s.repo.ListOrders(ctx, filter)
}

func productIDs(items []CreateItemInput) []int64 {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]bool, len(items))
	for _, item := range items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}
	return ids
}

func checkBatch(ctx context.Context, stock StockChecker, warehouseID, excludeOrderID int64, items []CreateItemInput) error {
	ids := make([]int64, 0, len(items))
	required := make(map[int64]float64, len(items))
	for _, item := range items {
		if _, seen := required[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		required[item.ProductID] += item.Quantity
	}
	available, err := stock.AvailableBatch(ctx, ids, warehouseID, excludeOrderID)
	if err != nil {
		return err
	}
	var shortages []shared.StockShortage
	for _, productID := range ids {
		if available[productID] < required[productID] {
			shortages = append(shortages, shared.StockShortage{
				ProductID: productID,
				Requested: required[productID],
				Available: available[productID],
			})
		}
	}
	if len(shortages) > 0 {
		return &shared.InsufficientStockError{Shortages: shortages}
	}
	return nil
}

// recalculateTotals rereads the order through the transaction so the total
// reflects quantity changes made earlier in the same transaction.
func recalculateTotals(ctx context.Context, tx TxRepository, orderID int64) error {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return tx.UpdateOrderTotal(ctx, orderID, grandTotal(order))
}

// grandTotal computes the order total in decimal to keep money math exact:
// sum of line totals (price x effective quantity minus line discount), minus
// the order discount, plus tax.
func grandTotal(order *Order) float64 {
	total := decimal.Zero
	for _, item := range order.Items {
		line := decimal.NewFromFloat(item.UnitPrice).
			Mul(decimal.NewFromFloat(item.EffectiveQuantity())).
			Sub(decimal.NewFromFloat(item.Discount))
		if line.IsNegative() {
			line = decimal.Zero
		}
		total = total.Add(line)
	}
	total = total.Sub(decimal.NewFromFloat(order.Discount)).
		Add(decimal.NewFromFloat(order.Tax))
	if total.IsNegative() {
		total = decimal.Zero
	}
	f, _ := total.Round(2).Float64()
	return f
}

func newRef() string {
	id := uuid.New().String()
	return time.Now().UTC().Format("20060102") + "-" + strings.ToUpper(id[:8])
}
