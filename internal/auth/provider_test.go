package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestProvider(authRequired bool) *Provider {
	return NewProvider(ProviderConfig{
		Secret:       testSecret,
		APIKeys:      []string{"key-alpha", "key-beta"},
		AuthRequired: authRequired,
	})
}

func TestAuthenticate_ValidToken(t *testing.T) {
	token, err := GenerateAccessToken("user-1", "u@example.com", CreateUserPermissions([]string{"doc1"}, []string{"doc1"}), testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	principal, err := newTestProvider(true).Authenticate(Credentials{Token: token})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if principal.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", principal.UserID, "user-1")
	}
	if !principal.CanWrite("doc1") {
		t.Error("expected write permission on doc1")
	}
	if principal.Permissions.IsAdmin {
		t.Error("token principal should not be admin")
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	token, err := GenerateAccessToken("user-1", "", CreateAdminPermissions(), testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	_, err = newTestProvider(true).Authenticate(Credentials{Token: token})
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestAuthenticate_APIKey(t *testing.T) {
	principal, err := newTestProvider(true).Authenticate(Credentials{APIKey: "key-beta"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if principal.UserID != APIKeyUserID {
		t.Errorf("UserID = %q, want %q", principal.UserID, APIKeyUserID)
	}
	if !principal.Permissions.IsAdmin {
		t.Error("api key principal must be admin")
	}
	if len(principal.Permissions.CanRead) != 0 || len(principal.Permissions.CanWrite) != 0 {
		t.Error("api key principal must carry empty permission arrays")
	}
}

func TestAuthenticate_UnknownAPIKey(t *testing.T) {
	_, err := newTestProvider(true).Authenticate(Credentials{APIKey: "not-a-key"})
	if !errors.Is(err, ErrUnknownAPIKey) {
		t.Errorf("expected ErrUnknownAPIKey, got %v", err)
	}
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	_, err := newTestProvider(true).Authenticate(Credentials{})
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestAuthenticate_BothCredentials(t *testing.T) {
	_, err := newTestProvider(true).Authenticate(Credentials{Token: "t", APIKey: "k"})
	if !errors.Is(err, ErrAmbiguousCredentials) {
		t.Errorf("expected ErrAmbiguousCredentials, got %v", err)
	}
}

func TestAuthenticate_OptionalAuthAdmitsAnonymous(t *testing.T) {
	provider := newTestProvider(false)

	principal, err := provider.Authenticate(Credentials{})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if principal.UserID != AnonymousUserID {
		t.Errorf("UserID = %q, want %q", principal.UserID, AnonymousUserID)
	}
	if !principal.Permissions.IsAdmin {
		t.Error("anonymous principal must be admin")
	}

	// Even garbage credentials fall back to anonymous.
	principal, err = provider.Authenticate(Credentials{Token: "garbage"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if principal.UserID != AnonymousUserID {
		t.Errorf("UserID = %q, want %q", principal.UserID, AnonymousUserID)
	}
}

func TestAuthenticate_OptionalAuthStillHonorsValidToken(t *testing.T) {
	token, err := GenerateAccessToken("user-9", "", CreateUserPermissions([]string{"doc1"}, nil), testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	principal, err := newTestProvider(false).Authenticate(Credentials{Token: token})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if principal.UserID != "user-9" {
		t.Errorf("UserID = %q, want %q", principal.UserID, "user-9")
	}
	if principal.Permissions.IsAdmin {
		t.Error("valid token must not be upgraded to admin")
	}
}

func TestValidateAPIKey(t *testing.T) {
	allowed := []string{"key-alpha", "key-beta"}

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"first key", "key-alpha", true},
		{"second key", "key-beta", true},
		{"unknown key", "key-gamma", false},
		{"prefix only", "key-alph", false},
		{"case sensitive", "KEY-ALPHA", false},
		{"empty key", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateAPIKey(tt.key, allowed); got != tt.want {
				t.Errorf("ValidateAPIKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestValidateAPIKey_EmptyAllowList(t *testing.T) {
	if ValidateAPIKey("anything", nil) {
		t.Error("empty allow-list must reject every key")
	}
}
