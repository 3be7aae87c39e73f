package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetItem(ctx context.Context, warehouseID, productID int64) (Item, error)
	ListLogs(ctx context.Context, filter LogFilter) ([]Log, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards replayed receipts and issues.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// IntegrationHandler receives stock changes after commit.
type IntegrationHandler interface {
	HandleStockChanged(ctx context.Context, evt StockChangedEvent) error
}

// Service coordinates standalone inventory operations, each in its own transaction.
type Service struct {
	repo        RepositoryPort
	ledger      *Ledger
	audit       AuditPort
	idempotency IdempotencyPort
	integration IntegrationHandler
	logger      *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledger *Ledger, audit AuditPort, idem IdempotencyPort, integration IntegrationHandler, logger *slog.Logger) *Service {
	if ledger == nil {
		ledger = NewLedger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, audit: audit, idempotency: idem, integration: integration, logger: logger}
}

// MovementInput is the payload of ReceiveStock and IssueStock.
type MovementInput struct {
	Code        string `json:"code"`
	WarehouseID int64  `json:"warehouse_id" validate:"required"`
	ProductID   int64  `json:"product_id" validate:"required"`
	Qty         int64  `json:"qty" validate:"required,gt=0"`
	Reason      string `json:"reason"`
	RefModule   string `json:"ref_module"`
	RefID       string `json:"ref_id"`
	ActorID     int64  `json:"-"`
}

// GetAvailable returns quantity minus reservations of a row.
func (s *Service) GetAvailable(ctx context.Context, warehouseID, productID int64) (Item, error) {
	if warehouseID == 0 || productID == 0 {
		return Item{}, ErrWarehouseRequired
	}
	return s.repo.GetItem(ctx, warehouseID, productID)
}

// History lists ledger entries for a row.
func (s *Service) History(ctx context.Context, filter LogFilter) ([]Log, error) {
	if filter.WarehouseID == 0 || filter.ProductID == 0 {
		return nil, ErrWarehouseRequired
	}
	return s.repo.ListLogs(ctx, filter)
}

// ReceiveStock increases stock, e.g. a goods receipt at the master warehouse.
func (s *Service) ReceiveStock(ctx context.Context, input MovementInput) (Item, error) {
	return s.post(ctx, MovementIncrease, input, s.ledger.Increase)
}

// IssueStock deducts unreserved stock.
func (s *Service) IssueStock(ctx context.Context, input MovementInput) (Item, error) {
	return s.post(ctx, MovementDeduct, input, s.ledger.Deduct)
}

type ledgerOp func(context.Context, TxRepository, Movement) (Item, error)

func (s *Service) post(ctx context.Context, movement MovementType, input MovementInput, op ledgerOp) (Item, error) {
	if input.WarehouseID == 0 || input.ProductID == 0 {
		return Item{}, ErrWarehouseRequired
	}
	if input.Qty <= 0 {
		return Item{}, ErrInvalidQuantity
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return Item{}, fmt.Errorf("inventory: invalid ref id: %w", shared.ErrValidation)
		}
	}
	if input.ActorID == 0 {
		input.ActorID = shared.ActorFromContext(ctx)
	}
	key := ""
	if s.idempotency != nil && input.Code != "" {
		key = fmt.Sprintf("%s:%s:%d:%d", movement, input.Code, input.WarehouseID, input.ProductID)
		if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
			return Item{}, err
		}
	}

	var item Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		item, err = op(ctx, tx, Movement{
			WarehouseID: input.WarehouseID,
			ProductID:   input.ProductID,
			Qty:         input.Qty,
			Reason:      input.Reason,
			RefModule:   input.RefModule,
			RefID:       input.RefID,
			ActorID:     input.ActorID,
		})
		return err
	})
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Item{}, err
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   fmt.Sprintf("inventory:%s", movement),
			Entity:   "inventory_item",
			EntityID: fmt.Sprintf("%d:%d", input.WarehouseID, input.ProductID),
			Meta: map[string]any{
				"qty":    input.Qty,
				"reason": input.Reason,
				"code":   input.Code,
			},
		}); err != nil {
			s.logger.Warn("inventory audit failed", slog.Any("error", err))
		}
	}
	if s.integration != nil {
		evt := StockChangedEvent{
			WarehouseID: input.WarehouseID,
			ProductID:   input.ProductID,
			Movement:    movement,
			Qty:         input.Qty,
			NewQuantity: item.Quantity,
			At:          time.Now().UTC(),
		}
		// stock is already committed; downstream failures must not surface as a failed receipt
		if err := s.integration.HandleStockChanged(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("stock change handler failed",
				slog.Int64("warehouse_id", input.WarehouseID),
				slog.Int64("product_id", input.ProductID),
				slog.Any("error", err))
		}
	}
	return item, nil
}
