//go:generate go run go.uber.org/mock/mockgen -source=broadcaster.go -destination=../../internal/mocks/mock_broadcaster.go -package=mocks
package interfaces

import "classchat/pkg/types"

// Broadcaster multicasts a persisted message to the connections subscribed to a room.
// Publish is fire-and-forget; an error only means the event could not be queued.
type Broadcaster interface {
	Publish(room string, message *types.Message, originConnID string) error
}
