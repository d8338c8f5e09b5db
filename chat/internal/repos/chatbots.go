package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"live-support-routing-system/chat/internal/models"
)

// ChatbotsRepo stores flow graphs with nodes and edges serialized as jsonb.
// Graphs are small and always read whole, so a document column beats a
// normalized node table here.
type ChatbotsRepo struct {
	db DBTX
}

var ErrChatbotNotFound = errors.New("chatbot graph not found")

func NewChatbotsRepo(db DBTX) *ChatbotsRepo {
	return &ChatbotsRepo{db: db}
}

func scanChatbot(row pgx.Row) (models.ChatbotGraph, error) {
	var graph models.ChatbotGraph
	var nodesJSON, edgesJSON []byte
	err := row.Scan(&graph.GraphID, &graph.Name, &graph.Enabled, &nodesJSON, &edgesJSON, &graph.CreatedAt, &graph.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ChatbotGraph{}, ErrChatbotNotFound
	}
	if err != nil {
		return models.ChatbotGraph{}, err
	}
	if err := json.Unmarshal(nodesJSON, &graph.Nodes); err != nil {
		return models.ChatbotGraph{}, err
	}
	if err := json.Unmarshal(edgesJSON, &graph.Edges); err != nil {
		return models.ChatbotGraph{}, err
	}
	return graph, nil
}

func (r *ChatbotsRepo) Create(ctx context.Context, name string, enabled bool, nodes []models.ChatbotNode, edges []models.ChatbotEdge) (models.ChatbotGraph, error) {
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return models.ChatbotGraph{}, err
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return models.ChatbotGraph{}, err
	}
	now := time.Now().UTC()
	return scanChatbot(r.db.QueryRow(ctx, `
		INSERT INTO chatbot_graphs (graph_id, name, enabled, nodes, edges, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING graph_id, name, enabled, nodes, edges, created_at, updated_at
	`, uuid.New(), name, enabled, nodesJSON, edgesJSON, now))
}

func (r *ChatbotsRepo) Update(ctx context.Context, graphID uuid.UUID, name string, enabled bool, nodes []models.ChatbotNode, edges []models.ChatbotEdge) (models.ChatbotGraph, error) {
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return models.ChatbotGraph{}, err
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return models.ChatbotGraph{}, err
	}
	return scanChatbot(r.db.QueryRow(ctx, `
		UPDATE chatbot_graphs
		SET name = $2, enabled = $3, nodes = $4, edges = $5, updated_at = $6
		WHERE graph_id = $1
		RETURNING graph_id, name, enabled, nodes, edges, created_at, updated_at
	`, graphID, name, enabled, nodesJSON, edgesJSON, time.Now().UTC()))
}

func (r *ChatbotsRepo) GetByID(ctx context.Context, graphID uuid.UUID) (models.ChatbotGraph, error) {
	return scanChatbot(r.db.QueryRow(ctx, `
		SELECT graph_id, name, enabled, nodes, edges, created_at, updated_at
		FROM chatbot_graphs
		WHERE graph_id = $1
	`, graphID))
}

func (r *ChatbotsRepo) List(ctx context.Context, limit int, offset int) ([]models.ChatbotGraph, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT graph_id, name, enabled, nodes, edges, created_at, updated_at
		FROM chatbot_graphs
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChatbots(rows)
}

// ListEnabled returns every enabled graph, used when dispatching triggers.
func (r *ChatbotsRepo) ListEnabled(ctx context.Context) ([]models.ChatbotGraph, error) {
	rows, err := r.db.Query(ctx, `
		SELECT graph_id, name, enabled, nodes, edges, created_at, updated_at
		FROM chatbot_graphs
		WHERE enabled = TRUE
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChatbots(rows)
}

func collectChatbots(rows pgx.Rows) ([]models.ChatbotGraph, error) {
	var graphs []models.ChatbotGraph
	for rows.Next() {
		graph, err := scanChatbot(rows)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, graph)
	}
	return graphs, rows.Err()
}
