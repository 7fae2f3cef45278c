package feeds

import (
	"fmt"
	"sync/atomic"
)

// IDStride bounds the number of servers that can share the id space
const IDStride = 1024

// IDGenerator hands out message ids of the form counter*IDStride + serverID.
// Two servers with different ids never collide and a single server never
// repeats, so no lookup against existing ids is needed.
type IDGenerator struct {
	serverID int64
	counter  atomic.Int64
}

// NewIDGenerator creates a generator for serverID, which must be in [0, IDStride)
func NewIDGenerator(serverID int) (*IDGenerator, error) {
	if serverID < 0 || serverID >= IDStride {
		return nil, fmt.Errorf("server id %d out of range [0, %d)", serverID, IDStride)
	}
	return &IDGenerator{serverID: int64(serverID)}, nil
}

// Next returns a fresh id
func (g *IDGenerator) Next() int64 {
	return g.counter.Add(1)*IDStride + g.serverID
}

// ServerOf returns the server id encoded in a message id
func ServerOf(id int64) int {
	return int(id % IDStride)
}
