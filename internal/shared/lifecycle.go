package shared

import "time"

// Lifecycle is the tagged active/deleted state of a soft-deletable record.
type Lifecycle struct {
	deletedAt time.Time
}

// Active returns the active lifecycle.
func Active() Lifecycle { return Lifecycle{} }

// DeletedAt returns a lifecycle deleted at the given instant.
func DeletedAt(at time.Time) Lifecycle { return Lifecycle{deletedAt: at.UTC()} }

// LifecycleFromNullable converts a nullable column into a Lifecycle.
func LifecycleFromNullable(at *time.Time) Lifecycle {
	if at == nil || at.IsZero() {
		return Active()
	}
	return DeletedAt(*at)
}

// IsDeleted reports whether the record was deleted.
func (l Lifecycle) IsDeleted() bool { return !l.deletedAt.IsZero() }

// When returns the deletion time and whether the record is deleted.
func (l Lifecycle) When() (time.Time, bool) { return l.deletedAt, l.IsDeleted() }

// Nullable renders the lifecycle for a nullable timestamp column.
func (l Lifecycle) Nullable() *time.Time {
	if !l.IsDeleted() {
		return nil
	}
	at := l.deletedAt
	return &at
}
