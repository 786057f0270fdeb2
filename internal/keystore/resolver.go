package keystore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"securordo/internal/domain"
	"securordo/internal/repository"
)

// StoreResolver reads users.public_key_ecdsa through the persistence port.
type StoreResolver struct {
	store repository.Store
}

func NewStoreResolver(store repository.Store) *StoreResolver {
	return &StoreResolver{store: store}
}

func (r *StoreResolver) PublicKey(ctx context.Context, userID string) (string, error) {
	return r.store.PublicKeys().GetPublicKey(ctx, userID)
}

// ChainResolver asks each resolver in turn until one knows the user.
type ChainResolver struct {
	resolvers []PublicKeyResolver
	logger    *zap.Logger
}

func NewChainResolver(logger *zap.Logger, resolvers ...PublicKeyResolver) *ChainResolver {
	return &ChainResolver{resolvers: resolvers, logger: logger}
}

func (c *ChainResolver) PublicKey(ctx context.Context, userID string) (string, error) {
	var lastErr error = domain.ErrNotFound
	for _, r := range c.resolvers {
		key, err := r.PublicKey(ctx, userID)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("Public key lookup failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
		lastErr = err
	}
	return "", fmt.Errorf("public key for %s: %w", userID, lastErr)
}
