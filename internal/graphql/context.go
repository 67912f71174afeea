package graphql

import (
	"context"
	"errors"
)

type contextKey string

const adminKey contextKey = "graphql.admin"

var ErrForbidden = errors.New("forbidden: admin role required")

func WithAdmin(ctx context.Context, admin bool) context.Context {
	return context.WithValue(ctx, adminKey, admin)
}

func requireAdmin(ctx context.Context) error {
	if ctx == nil {
		return ErrForbidden
	}
	if admin, ok := ctx.Value(adminKey).(bool); ok && admin {
		return nil
	}
	return ErrForbidden
}
