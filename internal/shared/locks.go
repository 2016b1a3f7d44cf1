package shared

import "fmt"

// StockLockKey builds the redis key guarding stock writes of one product.
func StockLockKey(productID int64) string {
	return fmt.Sprintf("inventory:product:%d:lock", productID)
}

// JobLockKey builds the redis key preventing overlapping runs of a job.
func JobLockKey(job string) string {
	return fmt.Sprintf("jobs:%s:lock", job)
}
