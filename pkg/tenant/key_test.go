package tenant

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{"config", Key{Tenant: "acme"}, "ce:tenant:acme"},
		{"storage", Key{Tenant: "acme", Part: "storage"}, "ce:tenant:acme:storage"},
		{"colon in name", Key{Tenant: "acme:prod"}, "ce:tenant:acme_prod"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}

	if ConfigKey("acme") == StorageKey("acme") {
		t.Error("config and storage keys must differ")
	}
}
