// SPDX-License-Identifier: MIT

package cache

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const memoryCleanupInterval = 10 * time.Minute

// Open creates the cache backend selected by name.
func Open(backend, dir string, redisCfg RedisConfig, logger zerolog.Logger) (Store, error) {
	switch backend {
	case "badger":
		return NewBadger(dir, logger)
	case "redis":
		return NewRedis(redisCfg, logger)
	case "memory":
		return NewMemory(memoryCleanupInterval), nil
	case "none", "":
		return NewNoop(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
