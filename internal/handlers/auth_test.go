package handlers_test

import (
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/example/kodipay/internal/models"
)

func TestRegisterLoginMe(t *testing.T) {
	env := newTestEnv(t, "", "")

	token, userID := registerUser(t, env, "Wanjiku Tenant", "wanjiku@test.local", "tenant")

	status, body := env.request(t, http.MethodGet, "/api/auth/me", token, nil)
	if status != http.StatusOK {
		t.Fatalf("me: status %d: %v", status, body)
	}
	data, _ := body["data"].(map[string]any)
	if data["email"] != "wanjiku@test.local" {
		t.Fatalf("me email = %v", data["email"])
	}
	if data["msisdn"] != "254712345678" {
		t.Fatalf("me msisdn = %v, want stored canonicalized", data["msisdn"])
	}
	if _, leaked := data["password_hash"]; leaked {
		t.Fatal("password hash leaked in profile response")
	}

	// Same email again.
	status, _ = env.request(t, http.MethodPost, "/api/auth/register", "", fiber.Map{
		"full_name": "Someone Else",
		"email":     "Wanjiku@Test.Local",
		"msisdn":    "0712345678",
		"password":  "another passphrase",
	})
	if status != http.StatusConflict {
		t.Fatalf("duplicate register: status %d, want 409", status)
	}

	status, body = env.request(t, http.MethodPost, "/api/auth/login", "", fiber.Map{
		"email":    "wanjiku@test.local",
		"password": "correct horse",
	})
	if status != http.StatusOK {
		t.Fatalf("login: status %d: %v", status, body)
	}
	if body["token"] == "" || body["token"] == nil {
		t.Fatal("login returned no token")
	}

	status, _ = env.request(t, http.MethodPost, "/api/auth/login", "", fiber.Map{
		"email":    "wanjiku@test.local",
		"password": "wrong horse",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad password login: status %d, want 401", status)
	}

	// Disabled accounts cannot log in even with the right password.
	if err := env.db.Model(&models.User{}).Where("id = ?", userID).
		Update("active", false).Error; err != nil {
		t.Fatalf("disable account: %v", err)
	}
	status, _ = env.request(t, http.MethodPost, "/api/auth/login", "", fiber.Map{
		"email":    "wanjiku@test.local",
		"password": "correct horse",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("disabled login: status %d, want 401", status)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, "", "")

	tests := []struct {
		name    string
		payload fiber.Map
	}{
		{"missing email", fiber.Map{"full_name": "A B", "msisdn": "0712345678", "password": "long enough"}},
		{"malformed email", fiber.Map{"full_name": "A B", "email": "not-an-email", "msisdn": "0712345678", "password": "long enough"}},
		{"short password", fiber.Map{"full_name": "A B", "email": "a@test.local", "msisdn": "0712345678", "password": "short"}},
		{"unknown role", fiber.Map{"full_name": "A B", "email": "a@test.local", "msisdn": "0712345678", "password": "long enough", "role": "admin"}},
		{"invalid msisdn", fiber.Map{"full_name": "A B", "email": "a@test.local", "msisdn": "12345", "password": "long enough"}},
		{"landline msisdn", fiber.Map{"full_name": "A B", "email": "a@test.local", "msisdn": "0202222222", "password": "long enough"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := env.request(t, http.MethodPost, "/api/auth/register", "", tc.payload)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", status)
			}
		})
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t, "", "")

	status, _ := env.request(t, http.MethodGet, "/api/auth/me", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("me without token: status %d, want 401", status)
	}

	status, _ = env.request(t, http.MethodGet, "/api/payments/transactions", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("transactions without token: status %d, want 401", status)
	}
}

func TestManagerRoutesForbiddenForTenants(t *testing.T) {
	env := newTestEnv(t, "", "")
	tenantToken, _ := registerUser(t, env, "Wanjiku Tenant", "tenant@test.local", "tenant")

	status, _ := env.request(t, http.MethodGet, "/api/owners/", tenantToken, nil)
	if status != http.StatusForbidden {
		t.Fatalf("owners as tenant: status %d, want 403", status)
	}
}
