package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

type jobGraphModel struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Payload     []byte    `bson:"payload"`
	Parallelism int       `bson:"parallelism"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
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
		return nil, fmt.Errorf("steward/mongo: parse graph id %q: %w", m.ID, err)
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
