//go:generate go run go.uber.org/mock/mockgen -source=directory.go -destination=../../internal/mocks/mock_directory.go -package=mocks
package interfaces

import (
	"context"

	"classchat/pkg/types"
)

// Directory is the identity collaborator: it answers whether a user exists and what role they hold.
// GetUser returns types.ErrUserNotFound when the id is unknown.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
}
