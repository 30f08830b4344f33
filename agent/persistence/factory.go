package persistence

import (
	"fmt"
)

// NewStore creates a new Store based on the configuration
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(config), nil
	case StoreTypeFile:
		return NewFileStore(config)
	case StoreTypeRedis:
		return NewRedisStore(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
