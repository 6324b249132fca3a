package auth

import "testing"

func TestPrincipalCanRead(t *testing.T) {
	tests := []struct {
		name      string
		principal *Principal
		docID     string
		want      bool
	}{
		{
			name:      "admin reads anything",
			principal: &Principal{UserID: "u1", Permissions: CreateAdminPermissions()},
			docID:     "any-doc",
			want:      true,
		},
		{
			name:      "listed document",
			principal: &Principal{UserID: "u1", Permissions: CreateUserPermissions([]string{"doc-1", "doc-2"}, nil)},
			docID:     "doc-1",
			want:      true,
		},
		{
			name:      "unlisted document",
			principal: &Principal{UserID: "u1", Permissions: CreateUserPermissions([]string{"doc-1"}, nil)},
			docID:     "doc-3",
			want:      false,
		},
		{
			name:      "case sensitive match",
			principal: &Principal{UserID: "u1", Permissions: CreateUserPermissions([]string{"Doc-1"}, nil)},
			docID:     "doc-1",
			want:      false,
		},
		{
			name:      "write grant does not imply read",
			principal: &Principal{UserID: "u1", Permissions: CreateUserPermissions(nil, []string{"doc-1"})},
			docID:     "doc-1",
			want:      false,
		},
		{
			name:      "empty document id",
			principal: &Principal{UserID: "u1", Permissions: CreateAdminPermissions()},
			docID:     "",
			want:      false,
		},
		{
			name:      "nil principal",
			principal: nil,
			docID:     "doc-1",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.principal.CanRead(tt.docID); got != tt.want {
				t.Errorf("CanRead(%q) = %v, want %v", tt.docID, got, tt.want)
			}
		})
	}
}

func TestPrincipalCanWrite(t *testing.T) {
	tests := []struct {
		name      string
		principal *Principal
		docID     string
		want      bool
	}{
		{
			name:      "admin writes anything",
			principal: &Principal{UserID: "u1", Permissions: CreateAdminPermissions()},
			docID:     "any-doc",
			want:      true,
		},
		{
			name:      "listed document",
			principal: &Principal{UserID: "u1", Permissions: CreateUserPermissions(nil, []string{"doc-1"})},
			docID:     "doc-1",
			want:      true,
		},
		{
			name:      "read grant does not imply write",
			principal: &Principal{UserID: "u1", Permissions: CreateUserPermissions([]string{"doc-1"}, nil)},
			docID:     "doc-1",
			want:      false,
		},
		{
			name:      "empty document id",
			principal: &Principal{UserID: "u1", Permissions: CreateAdminPermissions()},
			docID:     "",
			want:      false,
		},
		{
			name:      "nil principal",
			principal: nil,
			docID:     "doc-1",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.principal.CanWrite(tt.docID); got != tt.want {
				t.Errorf("CanWrite(%q) = %v, want %v", tt.docID, got, tt.want)
			}
		})
	}
}

func TestCreateAdminPermissions(t *testing.T) {
	perms := CreateAdminPermissions()
	if !perms.IsAdmin {
		t.Error("Expected IsAdmin true")
	}
	if len(perms.CanRead) != 0 {
		t.Errorf("CanRead = %v, want empty", perms.CanRead)
	}
	if len(perms.CanWrite) != 0 {
		t.Errorf("CanWrite = %v, want empty", perms.CanWrite)
	}
}

func TestCreateUserPermissions(t *testing.T) {
	perms := CreateUserPermissions([]string{"a", "b"}, []string{"a"})
	if perms.IsAdmin {
		t.Error("Expected IsAdmin false")
	}
	if len(perms.CanRead) != 2 {
		t.Errorf("CanRead length = %d, want 2", len(perms.CanRead))
	}
	if len(perms.CanWrite) != 1 {
		t.Errorf("CanWrite length = %d, want 1", len(perms.CanWrite))
	}
}
