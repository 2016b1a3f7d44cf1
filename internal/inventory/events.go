package inventory

import "time"

// StockMovedEvent is published after a movement commits.
type StockMovedEvent struct {
	TransactionID  int64
	ProductID      int64
	Type           TransactionType
	Delta          int
	ResultingStock int
	Reversal       bool
	At             time.Time
}
