package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}

	switch c.Quota.Store {
	case StorePostgres, StoreRedis:
	case StoreMemory:
		slog.Warn("QUOTA_STORE=memory keeps quotas in process memory; counters are lost on restart")
	default:
		errs = append(errs, fmt.Sprintf("QUOTA_STORE must be one of postgres, redis, memory, got %q", c.Quota.Store))
	}

	// The users table and the event log live in postgres regardless of QUOTA_STORE.
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	// Quotas
	limits := []struct {
		name  string
		value int
	}{
		{"QUOTA_PROFILE_IMAGE_LIMIT", c.Quota.ProfileImageLimit},
		{"QUOTA_CHAT_MESSAGES_LIMIT", c.Quota.ChatMessagesLimit},
		{"QUOTA_CHAT_IMAGE_LIMIT", c.Quota.ChatImageLimit},
	}
	for _, l := range limits {
		if l.value < 1 {
			errs = append(errs, fmt.Sprintf("%s must be positive, got %d", l.name, l.value))
		}
	}
	strategies := []struct {
		name  string
		value string
	}{
		{"QUOTA_PROFILE_IMAGE_STRATEGY", c.Quota.ProfileImageStrategy},
		{"QUOTA_CHAT_MESSAGES_STRATEGY", c.Quota.ChatMessagesStrategy},
		{"QUOTA_CHAT_IMAGE_STRATEGY", c.Quota.ChatImageStrategy},
	}
	for _, s := range strategies {
		if s.value != "rolling" && s.value != "none" {
			errs = append(errs, fmt.Sprintf("%s must be rolling or none, got %q", s.name, s.value))
		}
	}
	if c.Quota.ResetWindow <= 0 {
		errs = append(errs, fmt.Sprintf("QUOTA_RESET_WINDOW must be positive, got %s", c.Quota.ResetWindow))
	}
	if c.Quota.MaxAmount < 1 || c.Quota.MaxAmount > 100 {
		errs = append(errs, fmt.Sprintf("QUOTA_MAX_AMOUNT must be 1-100, got %d", c.Quota.MaxAmount))
	}

	// Internal API key: warn only
	if c.Internal.APIKey == "" {
		slog.Warn("INTERNAL_API_KEY is empty; internal quota routes are disabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
