package redis

import "time"

// Config describes the Redis instance backing the durable cache tier.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"` // redis://:password@host:6379/db
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"1s"`  // first backoff step, doubles per attempt
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"` // bounds the whole connect loop
	KeyPrefix      string        `env:"REDIS_KEY_PREFIX" envDefault:"entitlements:"`
}
