package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

type jobGraphModel struct {
	bun.BaseModel `bun:"table:steward_job_graphs"`

	ID          string    `bun:"id,pk"`
	Name        string    `bun:"name,notnull"`
	Payload     []byte    `bun:"payload,notnull,type:bytea"`
	Parallelism int       `bun:"parallelism,notnull,default:1"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobGraphModel(g *graph.JobGraph) *jobGraphModel {
	return &jobGraphModel{
		ID:          g.ID.String(),
		Name:        g.Name,
		Payload:     g.Payload,
		Parallelism: g.Parallelism,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
}

func fromJobGraphModel(m *jobGraphModel) (*graph.JobGraph, error) {
	parsedID, err := id.ParseGraphID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("steward/bun: parse graph id %q: %w", m.ID, err)
	}

	return &graph.JobGraph{
		ID:          parsedID,
		Name:        m.Name,
		Payload:     m.Payload,
		Parallelism: m.Parallelism,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}
