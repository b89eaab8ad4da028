package graph

import (
	"time"

	"github.com/xraph/steward/id"
)

// JobGraph is the persisted definition of one streaming job. The
// coordinator treats the payload as opaque; only identity and a few
// descriptive fields matter at this layer.
type JobGraph struct {
	ID          id.GraphID `json:"id"`
	Name        string     `json:"name"`
	Payload     []byte     `json:"payload"`
	Parallelism int        `json:"parallelism"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the graph.
func (g *JobGraph) Clone() *JobGraph {
	cp := *g
	cp.Payload = make([]byte, len(g.Payload))
	copy(cp.Payload, g.Payload)
	return &cp
}
