package db

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// WithTx stashes an open transaction handle in the context so services
// invoked from inside it join the same transaction instead of opening
// their own.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext returns the transaction carried by ctx, or fallback when the
// caller runs outside any transaction.
func FromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return fallback
}
