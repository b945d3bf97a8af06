package ids

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// SetNode configures the snowflake node for this process. Call once at startup.
func SetNode(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// NextEventID returns a time-sortable int64 id for ledger events.
func NextEventID() int64 {
	mu.Lock()
	defer mu.Unlock()
	if node == nil {
		node, _ = snowflake.NewNode(1)
	}
	return node.Generate().Int64()
}

// NewReservationID returns a globally unique, sortable string id.
func NewReservationID() string {
	return ksuid.New().String()
}
