package returns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/expense"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// TxRepository exposes the transactional surface of return processing. The
// ledger store shares the transaction so a crash between the stock credit
// and the processed flag can never split them.
type TxRepository interface {
	Ledger() ledger.TxStore
	GetRecordForUpdate(ctx context.Context, id int64) (Record, error)
	MarkProcessed(ctx context.Context, id int64, lossAmount, unitCost float64, lossRecorded bool, at time.Time) error
	IncrementOrderItemReturned(ctx context.Context, orderID, productID int64, quantity float64) error
	DeliveryReference(ctx context.Context, deliveryID int64) (string, error)
	ProductCost(ctx context.Context, productID int64) (float64, error)
	InsertExpense(ctx context.Context, rec expense.Record) (int64, error)
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRecord(ctx context.Context, id int64) (Record, error)
	ListUnprocessed(ctx context.Context, deliveryID int64) ([]Record, error)
	ListByDelivery(ctx context.Context, deliveryID int64) ([]Record, error)
}

// Service resolves return records into restocks or losses.
type Service struct {
	repo         RepositoryPort
	logger       *slog.Logger
	denyNegative bool
}

// NewService builds a Service.
func NewService(repo RepositoryPort, logger *slog.Logger, denyNegative bool) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, denyNegative: denyNegative}
}

// Process resolves one return record. Stock-eligible reasons credit the
// warehouse through a delivery_return movement; damaged goods become an
// expense record instead. The processed flag flips in the same transaction
// as the side effect, and the ledger reference embeds the record id, so a
// retried crash can never credit twice.
func (s *Service) Process(ctx context.Context, recordID, warehouseID, actorID int64) error {
	if warehouseID == 0 {
		return errors.New("returns: warehouse required")
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetRecordForUpdate(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.Processed {
			return nil
		}

		deliveryRef, err := tx.DeliveryReference(ctx, rec.DeliveryID)
		if err != nil {
			return err
		}

		if err := tx.IncrementOrderItemReturned(ctx, rec.OrderID, rec.ProductID, rec.Quantity); err != nil {
			return err
		}

		unitCost := rec.UnitCost
		lossAmount := rec.LossAmount
		lossRecorded := rec.LossRecorded

		if rec.ReturnableToStock {
			reference := fmt.Sprintf("RET-%s-%d", deliveryRef, rec.ID)
			_, err := ledger.Apply(ctx, tx.Ledger(), ledger.MovementInput{
				ProductID:   rec.ProductID,
				WarehouseID: warehouseID,
				Quantity:    rec.Quantity,
				Type:        ledger.TypeDeliveryReturn,
				Reference:   reference,
				Source:      ledger.SourceRef{Kind: ledger.SourceReturn, ID: rec.ID},
				Note:        "delivery return: " + string(rec.Reason),
				ActorID:     actorID,
			}, s.denyNegative)
			if err != nil {
				return err
			}
		} else if !lossRecorded {
			if unitCost <= 0 {
				cost, err := tx.ProductCost(ctx, rec.ProductID)
				if err != nil {
					return err
				}
				unitCost = cost
			}
			if lossAmount <= 0 {
				lossAmount, _ = decimal.NewFromFloat(unitCost).
					Mul(decimal.NewFromFloat(rec.Quantity)).
					Round(2).Float64()
			}
			if lossAmount > 0 {
				_, err := tx.InsertExpense(ctx, expense.Record{
					Reference:   fmt.Sprintf("LOSS-%s-%d", deliveryRef, rec.ID),
					Category:    expense.CategoryLoss,
					Amount:      lossAmount,
					Date:        time.Now().UTC(),
					Description: fmt.Sprintf("damaged goods loss: product %d qty %v from delivery %s", rec.ProductID, rec.Quantity, deliveryRef),
					ActorID:     actorID,
				})
				if err != nil {
					return err
				}
			}
			lossRecorded = true
		}

		return tx.MarkProcessed(ctx, rec.ID, lossAmount, unitCost, lossRecorded, time.Now().UTC())
	})
	if err != nil {
		return err
	}
	s.logger.Info("return record processed",
		slog.Int64("record_id", recordID),
		slog.Int64("warehouse_id", warehouseID))
	return nil
}

// ProcessAll resolves every unprocessed record of a delivery and returns how
// many were handled. Records already processed are skipped.
func (s *Service) ProcessAll(ctx context.Context, deliveryID, warehouseID, actorID int64) (int, error) {
	records, err := s.repo.ListUnprocessed(ctx, deliveryID)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, rec := range records {
		if err := s.Process(ctx, rec.ID, warehouseID, actorID); err != nil {
			return processed, fmt.Errorf("returns: process record %d: %w", rec.ID, err)
		}
		processed++
	}
	return processed, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id int64) (Record, error) {
	return s.repo.GetRecord(ctx, id)
}

// ListByDelivery returns every record of a delivery.
func (s *Service) ListByDelivery(ctx context.Context, deliveryID int64) ([]Record, error) {
	return s.repo.ListByDelivery(ctx, deliveryID)
}
