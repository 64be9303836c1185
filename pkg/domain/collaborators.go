package domain

import (
	"context"
	"time"
)

// Node is a knowledge graph vertex.
type Node struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Edge is a directed, labelled knowledge graph connection.
type Edge struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Relation string    `json:"relation"`
	Created  time.Time `json:"created_at"`
}

// GraphStats summarises graph size.
type GraphStats struct {
	TotalNodes int            `json:"total_nodes"`
	TotalEdges int            `json:"total_edges"`
	NodeTypes  map[string]int `json:"node_types,omitempty"`
}

// GraphSnapshot is a point-in-time copy of a graph, suitable for persistence.
type GraphSnapshot struct {
	Nodes   []Node    `json:"nodes"`
	Edges   []Edge    `json:"edges"`
	TakenAt time.Time `json:"taken_at"`
}

// KnowledgeGraph stores execution provenance. Its storage engine is external.
type KnowledgeGraph interface {
	AddNode(nodeType string, data map[string]any) string
	GetNode(id string) (Node, bool)
	NodesByType(nodeType string) map[string]Node
	Connect(from, to, relation string) error
	Stats() GraphStats
}

// GraphSnapshotter is implemented by graphs that can be serialised by a PersistenceManager.
type GraphSnapshotter interface {
	Snapshot() GraphSnapshot
}

// Pattern is an externally defined declarative workflow.
type Pattern struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Definition  map[string]any `json:"definition,omitempty" yaml:"definition,omitempty"`
}

// PatternEngine interprets declarative patterns. Its interpreter is external.
type PatternEngine interface {
	HasPattern(id string) bool
	GetPattern(id string) (Pattern, bool)
	ExecutePattern(ctx context.Context, pattern Pattern, input map[string]any) (map[string]any, error)
}

// SaveReport describes the outcome of a checksummed graph save.
type SaveReport struct {
	Checksum       string    `json:"checksum"`
	BackupPath     string    `json:"backup_path,omitempty"`
	BackupsRemoved int       `json:"backups_removed"`
	SavedAt        time.Time `json:"saved_at"`
}

// PersistenceManager saves the knowledge graph with backup rotation.
type PersistenceManager interface {
	SaveGraphWithBackup(ctx context.Context, graph KnowledgeGraph) (SaveReport, error)
}

// EntityExtractor is an optional enrichment step run before routing.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}
