package multitenancy

import (
	"fmt"
	"strings"
)

// Separator splits the tenant prefix from the local stream ID.
const Separator = "::"

// ComposeStreamID prefixes a stream ID with a tenant for shared-database
// deployments. Format: {tenantID}::{streamID}. An empty tenant returns the
// stream ID unchanged.
func ComposeStreamID(tenantID, streamID string) string {
	if tenantID == "" {
		return streamID
	}
	return tenantID + Separator + streamID
}

// DecomposeStreamID splits a composite stream ID into tenant and local
// parts. IDs without a tenant prefix return an empty tenant.
func DecomposeStreamID(compositeID string) (tenantID, streamID string) {
	parts := strings.SplitN(compositeID, Separator, 2)
	if len(parts) == 1 {
		return "", parts[0]
	}
	return parts[0], parts[1]
}

// ValidateStreamTenant checks that a composite stream ID belongs to the
// expected tenant. IDs without a prefix pass (single-tenant mode).
func ValidateStreamTenant(compositeID, expectedTenant string) error {
	tenantID, _ := DecomposeStreamID(compositeID)
	if tenantID != "" && tenantID != expectedTenant {
		return fmt.Errorf("tenant mismatch: expected %s, got %s", expectedTenant, tenantID)
	}
	return nil
}
