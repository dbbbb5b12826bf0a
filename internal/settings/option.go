package settings

import "go.uber.org/zap"

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(store *Store) {
		store.logger = logger
	}
}
