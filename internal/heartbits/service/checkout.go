package service

import (
	"context"
	"log"
	"time"

	"github.com/kudohub/heartbits/internal/heartbits/events"
	"github.com/kudohub/heartbits/internal/heartbits/models"
	"github.com/kudohub/heartbits/internal/heartbits/repository"
)

// CheckoutService orchestrates multi-item purchases against the
// catalog and the ledger, plus the cancellation/refund workflow.
// Orders are created with status completed; pending exists only for
// orders imported from elsewhere and supports direct cancellation.
type CheckoutService struct {
	repo      repository.Repository
	publisher events.Publisher
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(repo repository.Repository, publisher events.Publisher) *CheckoutService {
	return &CheckoutService{repo: repo, publisher: publisher}
}

// CheckoutResult is the committed order together with the buyer's
// balance after the debit.
type CheckoutResult struct {
	Order      *models.Order   `json:"order"`
	NewBalance *models.Account `json:"new_balance"`
}

// Checkout purchases the requested items as one all-or-nothing
// operation: every item's inventory is reserved, the buyer is debited
// for the total and the order is recorded; any failure leaves both
// inventory and balance untouched.
func (s *CheckoutService) Checkout(ctx context.Context, userID int64, items []models.CheckoutItem) (*CheckoutResult, error) {
	if len(items) == 0 {
		return nil, models.ErrInvalidRequest
	}

	orderItems := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, models.ErrInvalidRequest
		}
		product, err := s.repo.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}
		if !product.IsActive {
			return nil, models.ErrNotFound
		}
		orderItems = append(orderItems, models.OrderItem{
			ProductID:         product.ID,
			Name:              product.Name,
			Quantity:          item.Quantity,
			PointsCostPerItem: product.PointsCost,
			TotalPoints:       product.PointsCost * item.Quantity,
		})
	}

	var order *models.Order
	err := withRetry(func() error {
		var txErr error
		order, txErr = s.repo.CreateOrder(ctx, userID, orderItems, models.OrderStatusCompleted)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	balance, err := s.repo.GetAccountByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if pubErr := s.publisher.Publish(events.TopicOrderCompleted, events.OrderCompleted{
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalPoints: order.TotalPoints,
		OccurredAt:  order.CreatedAt,
	}); pubErr != nil {
		log.Printf("Error publishing order event %s: %v", order.ID, pubErr)
	}

	return &CheckoutResult{Order: order, NewBalance: balance}, nil
}

// GetOrder returns one of the user's orders.
func (s *CheckoutService) GetOrder(ctx context.Context, userID int64, orderID string) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, models.ErrNotFound
	}
	return order, nil
}

// ListOrders returns the user's orders, newest first.
func (s *CheckoutService) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.repo.ListOrders(ctx, userID)
}

// CancelOrder cancels a pending order directly (restock + refund), or
// files a cancellation request on a completed order for an admin to
// resolve. Orders in any other state cannot be cancelled.
func (s *CheckoutService) CancelOrder(ctx context.Context, userID int64, orderID, reason string) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, models.ErrNotFound
	}

	switch order.Status {
	case models.OrderStatusPending:
		var cancelled *models.Order
		err = withRetry(func() error {
			var txErr error
			cancelled, txErr = s.repo.CancelPendingOrder(ctx, orderID)
			return txErr
		})
		if err != nil {
			return nil, err
		}
		s.publishCancelled(cancelled)
		return cancelled, nil
	case models.OrderStatusCompleted:
		if err := s.repo.RequestCancellation(ctx, orderID, reason); err != nil {
			return nil, err
		}
		return s.repo.GetOrder(ctx, orderID)
	default:
		return nil, models.ErrInvalidRequest
	}
}

// ResolveCancellation is the admin decision on a cancellation request.
// Approval restocks the items, refunds the buyer and cancels the order
// atomically; denial only marks the request resolved.
func (s *CheckoutService) ResolveCancellation(ctx context.Context, orderID string, approve bool, adminNote string) (*models.Order, error) {
	var order *models.Order
	err := withRetry(func() error {
		var txErr error
		order, txErr = s.repo.ResolveCancellation(ctx, orderID, approve, adminNote)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	if approve {
		s.publishCancelled(order)
	}
	return order, nil
}

func (s *CheckoutService) publishCancelled(order *models.Order) {
	if err := s.publisher.Publish(events.TopicOrderCancelled, events.OrderCancelled{
		OrderID:        order.ID,
		UserID:         order.UserID,
		RefundedPoints: order.TotalPoints,
		OccurredAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("Error publishing cancellation event %s: %v", order.ID, err)
	}
}
