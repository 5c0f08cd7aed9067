package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "companion",
			Password: "secret", Name: "companion", SSLMode: "disable", MaxConns: 25,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		JWT:   JWTConfig{AccessSecret: "access-secret-that-is-at-least-32-chars!"},
		Quota: QuotaConfig{
			Store:                StorePostgres,
			ProfileImageLimit:    1,
			ChatMessagesLimit:    50,
			ChatImageLimit:       5,
			ProfileImageStrategy: "rolling",
			ChatMessagesStrategy: "rolling",
			ChatImageStrategy:    "none",
			ResetWindow:          24 * time.Hour,
			MaxAmount:            10,
		},
		Internal: InternalConfig{APIKey: "internal-key"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_JWTAccessSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_ACCESS_SECRET") {
		t.Fatalf("expected JWT_ACCESS_SECRET error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequired(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_UnknownStore(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.Store = "etcd"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "QUOTA_STORE") {
		t.Fatalf("expected QUOTA_STORE error, got: %v", err)
	}
}

func TestValidate_MemoryStoreAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.Store = StoreMemory
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_QuotaLimitsMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.ChatMessagesLimit = 0
	cfg.Quota.ChatImageLimit = -3
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected limit validation errors")
	}
	for _, substr := range []string{"QUOTA_CHAT_MESSAGES_LIMIT", "QUOTA_CHAT_IMAGE_LIMIT"} {
		if !strings.Contains(err.Error(), substr) {
			t.Errorf("expected %q in error: %v", substr, err)
		}
	}
	if strings.Contains(err.Error(), "QUOTA_PROFILE_IMAGE_LIMIT") {
		t.Errorf("unexpected QUOTA_PROFILE_IMAGE_LIMIT error in: %v", err)
	}
}

func TestValidate_UnknownStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.ChatMessagesStrategy = "weekly"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "QUOTA_CHAT_MESSAGES_STRATEGY") {
		t.Fatalf("expected QUOTA_CHAT_MESSAGES_STRATEGY error, got: %v", err)
	}
}

func TestValidate_ResetWindow(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.ResetWindow = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "QUOTA_RESET_WINDOW") {
		t.Fatalf("expected QUOTA_RESET_WINDOW error, got: %v", err)
	}
}

func TestValidate_MaxAmountRange(t *testing.T) {
	for _, v := range []int{0, 101} {
		cfg := validConfig()
		cfg.Quota.MaxAmount = v
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "QUOTA_MAX_AMOUNT") {
			t.Fatalf("max amount %d: expected QUOTA_MAX_AMOUNT error, got: %v", v, err)
		}
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		DB:     DBConfig{Port: 5432},
		Redis:  RedisConfig{Port: 6379},
		Quota:  QuotaConfig{Store: StorePostgres},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"JWT_ACCESS_SECRET", "DB_PASSWORD", "SERVER_PORT", "QUOTA_PROFILE_IMAGE_LIMIT", "QUOTA_RESET_WINDOW", "QUOTA_MAX_AMOUNT"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}
