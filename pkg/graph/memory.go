// Package graph provides an in-process knowledge graph used for execution
// provenance when no external graph store is configured.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/agentgov/pkg/domain"
)

// Memory is a map-backed domain.KnowledgeGraph. It is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]domain.Node
	edges []domain.Edge

	now func() time.Time
}

// NewMemory creates an empty graph.
func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]domain.Node),
		now:   time.Now,
	}
}

// AddNode stores a node of nodeType and returns its generated id.
func (g *Memory) AddNode(nodeType string, data map[string]any) string {
	id := fmt.Sprintf("%s_%s", nodeType, uuid.NewString())
	node := domain.Node{
		ID:        id,
		Type:      nodeType,
		Data:      cloneData(data),
		CreatedAt: g.now().UTC(),
	}

	g.mu.Lock()
	g.nodes[id] = node
	g.mu.Unlock()
	return id
}

// GetNode returns a copy of the node with id.
func (g *Memory) GetNode(id string) (domain.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[id]
	if !ok {
		return domain.Node{}, false
	}
	node.Data = cloneData(node.Data)
	return node, true
}

// NodesByType returns every node of nodeType keyed by id.
func (g *Memory) NodesByType(nodeType string) map[string]domain.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]domain.Node)
	for id, node := range g.nodes {
		if node.Type == nodeType {
			node.Data = cloneData(node.Data)
			out[id] = node
		}
	}
	return out
}

// FindNode returns a node of nodeType whose string data[key] equals value.
func (g *Memory) FindNode(nodeType, key, value string) (domain.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, node := range g.nodes {
		if node.Type != nodeType {
			continue
		}
		if s, ok := node.Data[key].(string); ok && s == value {
			node.Data = cloneData(node.Data)
			return node, true
		}
	}
	return domain.Node{}, false
}

// Connect adds a directed edge. Both endpoints must exist.
func (g *Memory) Connect(from, to, relation string) error {
	relation = strings.TrimSpace(relation)
	if relation == "" {
		return domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "edge relation")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range []string{from, to} {
		if _, ok := g.nodes[id]; !ok {
			return domain.NewError(domain.KindNotFound, errNodeNotFound, "node %q", id)
		}
	}
	g.edges = append(g.edges, domain.Edge{From: from, To: to, Relation: relation, Created: g.now().UTC()})
	return nil
}

// Edges returns the edges leaving from.
func (g *Memory) Edges(from string) []domain.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []domain.Edge
	for _, e := range g.edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

// Stats summarises graph size.
func (g *Memory) Stats() domain.GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := domain.GraphStats{
		TotalNodes: len(g.nodes),
		TotalEdges: len(g.edges),
		NodeTypes:  make(map[string]int),
	}
	for _, node := range g.nodes {
		stats.NodeTypes[node.Type]++
	}
	return stats
}

// Snapshot copies the graph. Nodes are ordered by creation time, then id.
func (g *Memory) Snapshot() domain.GraphSnapshot {
	g.mu.RLock()
	snap := domain.GraphSnapshot{
		Nodes:   make([]domain.Node, 0, len(g.nodes)),
		Edges:   append([]domain.Edge(nil), g.edges...),
		TakenAt: g.now().UTC(),
	}
	for _, node := range g.nodes {
		node.Data = cloneData(node.Data)
		snap.Nodes = append(snap.Nodes, node)
	}
	g.mu.RUnlock()

	sort.Slice(snap.Nodes, func(i, j int) bool {
		a, b := snap.Nodes[i], snap.Nodes[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return snap
}

// Restore replaces the graph contents with snap.
func (g *Memory) Restore(snap domain.GraphSnapshot) {
	nodes := make(map[string]domain.Node, len(snap.Nodes))
	for _, node := range snap.Nodes {
		node.Data = cloneData(node.Data)
		nodes[node.ID] = node
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nodes
	g.edges = append([]domain.Edge(nil), snap.Edges...)
}

var errNodeNotFound = errors.New("graph node not found")

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
