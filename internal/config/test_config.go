package config

import "time"

// TestConfig returns a config suitable for testing: in-memory store, tiny
// backoff delays and small cache bounds.
func TestConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:    ":memory:",
			Timeout: 1 * time.Second,
		},
		API: APIConfig{
			BaseURL:     "http://127.0.0.1",
			HTTPTimeout: 2 * time.Second,
			UserAgent:   "quill-test/1.0",
			FeedPath:    "/feed.xml",
			AllowLocal:  true,
		},
		Session: SessionConfig{
			RefreshMargin:   30 * time.Second,
			RefreshTimeout:  2 * time.Second,
			DefaultTokenTTL: 15 * time.Minute,
		},
		Queue: QueueConfig{
			BaseDelay:       1 * time.Millisecond,
			MaxDelay:        4 * time.Millisecond,
			MaxAttempts:     3,
			DispatchTimeout: 2 * time.Second,
			Prerequisites:   []string{"create_blog"},
		},
		Cache: CacheConfig{
			MaxEntries:    16,
			MaxBytes:      64 << 10,
			DefaultTTL:    1 * time.Minute,
			SweepInterval: 10 * time.Millisecond,
		},
		Notifications: NotificationConfig{
			MaxStored: 50,
		},
		Log: LogConfig{
			Level: "OFF",
		},
	}
}
