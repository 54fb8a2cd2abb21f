// internal/auth/apikey_test.go
package auth

import (
	"encoding/base64"
	"testing"
)

func TestAPIKeyRoundTrip(t *testing.T) {
	service := newTestService()

	for _, kt := range []APIKeyType{APIKeyAnon, APIKeyServiceRole} {
		key, err := service.GenerateAPIKey(kt)
		if err != nil {
			t.Fatalf("failed to generate %s key: %v", kt, err)
		}
		role, err := service.ValidateAPIKey(key)
		if err != nil {
			t.Fatalf("failed to validate %s key: %v", kt, err)
		}
		if role != string(kt) {
			t.Errorf("expected role %s, got %s", kt, role)
		}
	}
}

func TestValidateAPIKeyRejectsUserToken(t *testing.T) {
	service := newTestService()
	token, _ := service.GenerateAccessToken("user-1", "", 0)
	if _, err := service.ValidateAPIKey(token); err == nil {
		t.Error("expected user token to be rejected as API key")
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("secret is not base64: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(raw))
	}
	b, _ := GenerateSecret()
	if a == b {
		t.Error("expected distinct secrets")
	}
}
