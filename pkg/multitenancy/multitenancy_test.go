package multitenancy

import (
	"context"
	"testing"
)

func TestTenantContext(t *testing.T) {
	ctx := context.Background()

	if HasTenant(ctx) {
		t.Error("expected no tenant in empty context")
	}
	if got := TenantFromContext(ctx); got != DefaultTenant {
		t.Errorf("expected default tenant, got %s", got)
	}

	ctx = WithTenant(ctx, "tenant-abc")

	if !HasTenant(ctx) {
		t.Error("expected tenant in context")
	}
	if got := TenantFromContext(ctx); got != "tenant-abc" {
		t.Errorf("expected tenant-abc, got %s", got)
	}

	// An empty tenant value behaves like no tenant at all.
	empty := WithTenant(context.Background(), "")
	if HasTenant(empty) {
		t.Error("expected empty tenant to count as absent")
	}
	if got := TenantFromContext(empty); got != DefaultTenant {
		t.Errorf("expected default tenant, got %s", got)
	}
}

func TestComposeDecomposeStreamID(t *testing.T) {
	tests := []struct {
		name        string
		tenantID    string
		streamID    string
		compositeID string
	}{
		{
			name:        "Simple tenant and stream",
			tenantID:    "tenant-a",
			streamID:    "prod-123",
			compositeID: "tenant-a::prod-123",
		},
		{
			name:        "UUID-style IDs",
			tenantID:    "550e8400-e29b-41d4-a716-446655440000",
			streamID:    "123e4567-e89b-12d3-a456-426614174000",
			compositeID: "550e8400-e29b-41d4-a716-446655440000::123e4567-e89b-12d3-a456-426614174000",
		},
		{
			name:        "Empty tenant ID",
			tenantID:    "",
			streamID:    "prod-123",
			compositeID: "prod-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compositeID := ComposeStreamID(tt.tenantID, tt.streamID)
			if compositeID != tt.compositeID {
				t.Errorf("ComposeStreamID() = %v, want %v", compositeID, tt.compositeID)
			}

			tenantID, streamID := DecomposeStreamID(compositeID)
			if tenantID != tt.tenantID {
				t.Errorf("DecomposeStreamID() tenantID = %v, want %v", tenantID, tt.tenantID)
			}
			if streamID != tt.streamID {
				t.Errorf("DecomposeStreamID() streamID = %v, want %v", streamID, tt.streamID)
			}
		})
	}
}

func TestValidateStreamTenant(t *testing.T) {
	tests := []struct {
		name           string
		compositeID    string
		expectedTenant string
		wantErr        bool
	}{
		{
			name:           "Matching tenant",
			compositeID:    "tenant-a::prod-123",
			expectedTenant: "tenant-a",
			wantErr:        false,
		},
		{
			name:           "Mismatched tenant",
			compositeID:    "tenant-b::prod-123",
			expectedTenant: "tenant-a",
			wantErr:        true,
		},
		{
			name:           "No tenant prefix",
			compositeID:    "prod-123",
			expectedTenant: "tenant-a",
			wantErr:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamTenant(tt.compositeID, tt.expectedTenant)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStreamTenant() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
