package shared

import "fmt"

// ReconcileLockKey builds redis keys guarding a reconciliation sweep scope.
func ReconcileLockKey(businessID, locationID int64) string {
	return fmt.Sprintf("stock:reconcile:%d:%d:lock", businessID, locationID)
}
