package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/persistence/sqlbase"
)

type workflowRepo struct{ p *Persistence }

// nodeConfig is the JSONB shape of a node's typed configuration.
type nodeConfig struct {
	Action    *models.ActionConfig    `json:"action,omitempty"`
	Condition *models.ConditionConfig `json:"condition,omitempty"`
	Wait      *models.WaitConfig      `json:"wait,omitempty"`
}

const workflowColumns = `id, name, description, trigger_type, trigger_config, pipeline_id, active, draft, created_at, updated_at`

// Save upserts the workflow row and replaces nodes and edges in one transaction.
func (r workflowRepo) Save(ctx context.Context, workflow *models.Workflow) error {
	now := r.p.now()

	if workflow.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		workflow.ID = id
	}

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	triggerConfig, err := toJSON(workflow.TriggerConfig)
	if err != nil {
		return err
	}

	return sqlbase.WithTx(ctx, r.p.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO workflows (`+workflowColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				trigger_type = EXCLUDED.trigger_type,
				trigger_config = EXCLUDED.trigger_config,
				pipeline_id = EXCLUDED.pipeline_id,
				active = EXCLUDED.active,
				draft = EXCLUDED.draft,
				updated_at = EXCLUDED.updated_at
			RETURNING created_at`,
			workflow.ID, workflow.Name, workflow.Description, workflow.TriggerType, triggerConfig,
			nullString(workflow.PipelineID), workflow.Active, workflow.Draft, workflow.CreatedAt, workflow.UpdatedAt,
		).Scan(&workflow.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save workflow: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM workflow_edges WHERE workflow_id = $1", workflow.ID); err != nil {
			return fmt.Errorf("failed to clear workflow edges: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM workflow_nodes WHERE workflow_id = $1", workflow.ID); err != nil {
			return fmt.Errorf("failed to clear workflow nodes: %w", err)
		}

		for position, node := range workflow.Nodes {
			if err := insertNode(ctx, tx, workflow.ID, position, node); err != nil {
				return err
			}
		}

		for position, edge := range workflow.Edges {
			if err := insertEdge(ctx, tx, workflow.ID, position, edge); err != nil {
				return err
			}
		}

		return nil
	})
}

func insertNode(ctx context.Context, tx *sql.Tx, workflowID string, position int, node *models.Node) error {
	config, err := toJSON(nodeConfig{Action: node.Action, Condition: node.Condition, Wait: node.Wait})
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_nodes (workflow_id, id, position, node_type, name, config, position_x, position_y)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		workflowID, node.ID, position, node.Type, nullString(node.Name), config, node.PositionX, node.PositionY,
	)
	if err != nil {
		return fmt.Errorf("failed to save node %s: %w", node.ID, err)
	}

	return nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, workflowID string, position int, edge *models.Edge) error {
	guard, err := toJSON(edge.Guard)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_edges (workflow_id, position, id, source_node_id, target_node_id, edge_order, guard, label)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		workflowID, position, nullString(edge.ID), edge.Source, edge.Target, edge.Order, guard, nullString(edge.Label),
	)
	if err != nil {
		return fmt.Errorf("failed to save edge %s->%s: %w", edge.Source, edge.Target, err)
	}

	return nil
}

func (r workflowRepo) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	row := r.p.db.QueryRowContext(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)

	workflow, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", persistence.ErrWorkflowNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := r.loadGraph(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

// ActiveByTrigger lists published, active workflows for an event type, oldest first.
func (r workflowRepo) ActiveByTrigger(ctx context.Context, triggerType models.CardEventType) ([]*models.Workflow, error) {
	rows, err := r.p.db.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE active AND NOT draft AND trigger_type = $1
		ORDER BY created_at, id`, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			r.p.closeRows(ctx, rows)

			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	r.p.closeRows(ctx, rows)

	if err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}

	for _, workflow := range workflows {
		if err := r.loadGraph(ctx, workflow); err != nil {
			return nil, err
		}
	}

	return workflows, nil
}

func (r workflowRepo) loadGraph(ctx context.Context, workflow *models.Workflow) error {
	nodes, err := r.nodes(ctx, workflow.ID)
	if err != nil {
		return err
	}

	edges, err := r.edges(ctx, workflow.ID)
	if err != nil {
		return err
	}

	workflow.Nodes = nodes
	workflow.Edges = edges

	return nil
}

func (r workflowRepo) nodes(ctx context.Context, workflowID string) ([]*models.Node, error) {
	rows, err := r.p.db.QueryContext(ctx, `
		SELECT id, node_type, name, config, position_x, position_y
		FROM workflow_nodes WHERE workflow_id = $1 ORDER BY position`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow nodes: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	nodes := make([]*models.Node, 0)

	for rows.Next() {
		var (
			node   models.Node
			name   sql.NullString
			config []byte
			typed  nodeConfig
		)

		if err := rows.Scan(&node.ID, &node.Type, &name, &config, &node.PositionX, &node.PositionY); err != nil {
			return nil, fmt.Errorf("failed to scan workflow node: %w", err)
		}

		if err := fromJSON(config, &typed); err != nil {
			return nil, err
		}

		node.Name = name.String
		node.Action = typed.Action
		node.Condition = typed.Condition
		node.Wait = typed.Wait
		nodes = append(nodes, &node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow nodes: %w", err)
	}

	return nodes, nil
}

func (r workflowRepo) edges(ctx context.Context, workflowID string) ([]*models.Edge, error) {
	rows, err := r.p.db.QueryContext(ctx, `
		SELECT id, source_node_id, target_node_id, edge_order, guard, label
		FROM workflow_edges WHERE workflow_id = $1 ORDER BY position`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow edges: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	edges := make([]*models.Edge, 0)

	for rows.Next() {
		var (
			edge      models.Edge
			id, label sql.NullString
			guard     []byte
		)

		if err := rows.Scan(&id, &edge.Source, &edge.Target, &edge.Order, &guard, &label); err != nil {
			return nil, fmt.Errorf("failed to scan workflow edge: %w", err)
		}

		if len(guard) > 0 {
			edge.Guard = &models.Guard{}
			if err := fromJSON(guard, edge.Guard); err != nil {
				return nil, err
			}
		}

		edge.ID = id.String
		edge.Label = label.String
		edges = append(edges, &edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow edges: %w", err)
	}

	return edges, nil
}

func scanWorkflow(row sqlbase.Scanner) (*models.Workflow, error) {
	var (
		workflow      models.Workflow
		triggerConfig []byte
		pipelineID    sql.NullString
	)

	err := row.Scan(
		&workflow.ID, &workflow.Name, &workflow.Description, &workflow.TriggerType, &triggerConfig,
		&pipelineID, &workflow.Active, &workflow.Draft, &workflow.CreatedAt, &workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := fromJSON(triggerConfig, &workflow.TriggerConfig); err != nil {
		return nil, err
	}

	workflow.PipelineID = pipelineID.String
	workflow.CreatedAt = workflow.CreatedAt.UTC()
	workflow.UpdatedAt = workflow.UpdatedAt.UTC()

	return &workflow, nil
}
