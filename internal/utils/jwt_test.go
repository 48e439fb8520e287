package utils

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/kodipay/internal/models"
)

func TestTokenRoundTrip(t *testing.T) {
	userID := uuid.New()

	token, err := GenerateToken("secret", userID, models.RoleManager, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	identity, err := ParseToken("secret", token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if identity.UserID != userID {
		t.Fatalf("user id = %s, want %s", identity.UserID, userID)
	}
	if identity.Role != models.RoleManager {
		t.Fatalf("role = %s, want %s", identity.Role, models.RoleManager)
	}

	remaining := identity.RemainingValidity()
	if remaining <= 50*time.Minute || remaining > time.Hour {
		t.Fatalf("remaining validity = %s, want just under an hour", remaining)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("secret", uuid.New(), models.RoleTenant, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := ParseToken("other-secret", token); err == nil {
		t.Fatal("expected error for token signed with a different secret")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := GenerateToken("secret", uuid.New(), models.RoleTenant, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := ParseToken("secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseToken("secret", "not-a-token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
