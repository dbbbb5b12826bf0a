package server

import (
	"crypto/sha256"
	"encoding/hex"
	"go.uber.org/zap"
)

const (
	connectionIDField = "connection-id"
	transportField    = "transport"
	keyField          = "authentication-key-hashed"
)

func ConnectionIDField(connectionID string) zap.Field {
	return zap.String(connectionIDField, connectionID)
}

func TransportField(transport string) zap.Field {
	return zap.String(transportField, transport)
}

// HashedKeyField lets rejected keys be correlated without ending up in the logs.
func HashedKeyField(key string) zap.Field {
	return zap.String(keyField, hashed(key))
}

func hashed(s string) string {
	digest := sha256.Sum256([]byte(s))
	return hex.EncodeToString(digest[:])
}
