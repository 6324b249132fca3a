package auth

// Principal is the authenticated identity bound to a connection for its
// whole lifetime.
type Principal struct {
	UserID      string
	Email       string
	Permissions DocumentPermissions
}

// CanRead checks if the principal can read a document. Document IDs
// compare case-sensitively by exact equality; empty IDs never match.
func (p *Principal) CanRead(documentID string) bool {
	if p == nil || documentID == "" {
		return false
	}

	// Admins can read everything
	if p.Permissions.IsAdmin {
		return true
	}

	for _, id := range p.Permissions.CanRead {
		if id == documentID {
			return true
		}
	}

	return false
}

// CanWrite checks if the principal can write to a document.
func (p *Principal) CanWrite(documentID string) bool {
	if p == nil || documentID == "" {
		return false
	}

	// Admins can write everything
	if p.Permissions.IsAdmin {
		return true
	}

	for _, id := range p.Permissions.CanWrite {
		if id == documentID {
			return true
		}
	}

	return false
}

// CreateUserPermissions creates non-admin user permissions.
func CreateUserPermissions(canRead, canWrite []string) DocumentPermissions {
	return DocumentPermissions{
		CanRead:  canRead,
		CanWrite: canWrite,
		IsAdmin:  false,
	}
}

// CreateAdminPermissions creates admin permissions with full access.
func CreateAdminPermissions() DocumentPermissions {
	return DocumentPermissions{
		CanRead:  []string{},
		CanWrite: []string{},
		IsAdmin:  true,
	}
}
