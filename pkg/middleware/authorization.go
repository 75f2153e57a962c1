package middleware

import (
	"context"
	"fmt"
	"slices"

	"github.com/plaenen/commandkernel/pkg/eventsourcing"
)

// ErrUnauthorized is returned when a principal may not issue a command.
var ErrUnauthorized = fmt.Errorf("unauthorized")

// Authorizer decides whether a principal may issue a command type.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, commandType string) error
}

// Authorization rejects commands the authorizer denies before they reach
// the pipeline. Denied commands are not recorded in the command ledger.
func Authorization(authorizer Authorizer) eventsourcing.Middleware {
	return func(next eventsourcing.HandlerFunc) eventsourcing.HandlerFunc {
		return func(ctx context.Context, req *eventsourcing.Request) (*eventsourcing.ProcessResult, error) {
			cmd := req.Command
			if err := authorizer.Authorize(ctx, cmd.PrincipalID, cmd.Type); err != nil {
				return nil, fmt.Errorf("authorization failed for command %q: %w", cmd.Type, err)
			}
			return next(ctx, req)
		}
	}
}

// RoleBasedAuthorizer authorizes by role membership. Command types with no
// configured roles are open to every principal.
type RoleBasedAuthorizer struct {
	commandRoles   map[string][]string
	principalRoles func(ctx context.Context, principalID string) ([]string, error)
}

// NewRoleBasedAuthorizer creates an authorizer from a command-type-to-roles
// map and a role lookup.
func NewRoleBasedAuthorizer(
	commandRoles map[string][]string,
	principalRoles func(ctx context.Context, principalID string) ([]string, error),
) *RoleBasedAuthorizer {
	return &RoleBasedAuthorizer{
		commandRoles:   commandRoles,
		principalRoles: principalRoles,
	}
}

func (a *RoleBasedAuthorizer) Authorize(ctx context.Context, principalID, commandType string) error {
	required, ok := a.commandRoles[commandType]
	if !ok || len(required) == 0 {
		return nil
	}

	held, err := a.principalRoles(ctx, principalID)
	if err != nil {
		return fmt.Errorf("looking up roles for principal %q: %w", principalID, err)
	}

	for _, role := range required {
		if slices.Contains(held, role) {
			return nil
		}
	}
	return fmt.Errorf("%w: principal %q lacks a required role for %q", ErrUnauthorized, principalID, commandType)
}
