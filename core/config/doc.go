// Package config provides type-safe environment variable loading with caching
// using Go generics. Each configuration type is loaded once per prefix and
// cached for subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct fields.
//
// Basic usage:
//
//	import "github.com/dmitrymomot/dbqueue/core/config"
//
//	type DatabaseConfig struct {
//		URL      string        `env:"PG_CONN_URL,required"`
//		Attempts int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
//		Interval time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"5s"`
//	}
//
//	func main() {
//		var db DatabaseConfig
//
//		// Load with error handling
//		if err := config.Load(&db); err != nil {
//			log.Fatal(err)
//		}
//
//		// Or panic on failure (useful for startup)
//		config.MustLoad(&db)
//	}
//
// # Prefixes
//
// One struct can describe several instances of the same component. The bus and
// notification queues share queue.Config and differ only by prefix:
//
//	var bus, notifications queue.Config
//	config.MustLoad(&bus, config.WithPrefix("BUS_"))                    // BUS_QUEUE_MODE, ...
//	config.MustLoad(&notifications, config.WithPrefix("NOTIFICATION_")) // NOTIFICATION_QUEUE_MODE, ...
//
// # Caching Behavior
//
// Each (type, prefix) pair is loaded only once per application lifetime:
//
//	var cfg1 DatabaseConfig
//	config.Load(&cfg1) // Loads from environment
//
//	var cfg2 DatabaseConfig
//	config.Load(&cfg2) // Returns cached value, cfg1 == cfg2
//
// WithoutCache bypasses the cache for a single call.
package config
