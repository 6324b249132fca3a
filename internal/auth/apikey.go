package auth

import "crypto/subtle"

// APIKeyUserID is the synthetic user id bound to shared-key principals.
const APIKeyUserID = "api-key-user"

// ValidateAPIKey reports whether key exactly matches one of the allowed
// keys. Each candidate is compared in constant time.
func ValidateAPIKey(key string, allowed []string) bool {
	if key == "" {
		return false
	}

	matched := false
	for _, candidate := range allowed {
		if len(candidate) == len(key) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			matched = true
		}
	}
	return matched
}

// APIKeyPrincipal returns the synthetic admin principal produced by a
// matched shared key. The permission arrays stay empty; admin overrides.
func APIKeyPrincipal() *Principal {
	return &Principal{
		UserID: APIKeyUserID,
		Permissions: DocumentPermissions{
			CanRead:  []string{},
			CanWrite: []string{},
			IsAdmin:  true,
		},
	}
}
