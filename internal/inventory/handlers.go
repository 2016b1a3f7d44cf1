package inventory

import "context"

// MovementHandler receives committed stock movements.
type MovementHandler interface {
	HandleStockMoved(ctx context.Context, evt StockMovedEvent)
}
