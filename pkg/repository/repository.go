// Package repository provides a small generic gorm store shared by the
// billing services.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// QueryOption mutates the statement before execution (ordering, limits, locks).
type QueryOption func(*gorm.DB) *gorm.DB

// Repository is the persistence contract services program against.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, filter *T, opts ...QueryOption) ([]*T, error)
	FindOne(ctx context.Context, filter *T, opts ...QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Save(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, values any) error
	Delete(ctx context.Context, resourceID string) error
	Count(ctx context.Context, filter *T) (int64, error)
}

// OrderBy returns an option applying the given ORDER BY expression.
func OrderBy(expr string) QueryOption {
	return func(db *gorm.DB) *gorm.DB { return db.Order(expr) }
}

// Where returns an option applying an extra predicate.
func Where(query string, args ...any) QueryOption {
	return func(db *gorm.DB) *gorm.DB { return db.Where(query, args...) }
}

// Limit caps the number of returned rows.
func Limit(n int) QueryOption {
	return func(db *gorm.DB) *gorm.DB { return db.Limit(n) }
}
