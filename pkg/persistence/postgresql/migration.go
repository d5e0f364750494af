package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow definitions and their graph
			CREATE TABLE workflows (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				trigger_type VARCHAR(50) NOT NULL,
				trigger_config JSONB,
				pipeline_id TEXT,
				active BOOLEAN NOT NULL DEFAULT FALSE,
				draft BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_trigger ON workflows(trigger_type) WHERE active AND NOT draft;

			CREATE TABLE workflow_nodes (
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id TEXT NOT NULL,
				position INTEGER NOT NULL,
				node_type VARCHAR(50) NOT NULL,
				name VARCHAR(255),
				config JSONB,
				position_x DOUBLE PRECISION NOT NULL DEFAULT 0,
				position_y DOUBLE PRECISION NOT NULL DEFAULT 0,
				PRIMARY KEY (workflow_id, id)
			);

			CREATE TABLE workflow_edges (
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				position INTEGER NOT NULL,
				id TEXT,
				source_node_id TEXT NOT NULL,
				target_node_id TEXT NOT NULL,
				edge_order INTEGER NOT NULL DEFAULT 0,
				guard JSONB,
				label VARCHAR(255),
				PRIMARY KEY (workflow_id, position)
			);

			CREATE TABLE workflow_instances (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL REFERENCES workflows(id),
				card_id TEXT NOT NULL,
				current_node_id TEXT NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'waiting', 'completed', 'cancelled', 'failed')),
				waiting_for VARCHAR(50),
				waiting_task_id TEXT,
				waiting_field TEXT,
				wait_stage_id TEXT,
				resume_at TIMESTAMP WITH TIME ZONE,
				context JSONB,
				dry_run BOOLEAN NOT NULL DEFAULT FALSE,
				error_message TEXT,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- At most one live run of a workflow per card
			CREATE UNIQUE INDEX idx_workflow_instances_active
				ON workflow_instances(workflow_id, card_id)
				WHERE NOT dry_run AND status IN ('running', 'waiting');

			CREATE INDEX idx_workflow_instances_waiting
				ON workflow_instances(card_id, waiting_for)
				WHERE status = 'waiting';

			CREATE TABLE workflow_queue (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				workflow_id TEXT NOT NULL,
				card_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				payload JSONB,
				priority INTEGER NOT NULL,
				execute_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')),
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				last_error TEXT,
				claimed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_queue_due ON workflow_queue(priority, execute_at) WHERE status = 'pending';
			CREATE INDEX idx_workflow_queue_instance ON workflow_queue(instance_id);
			CREATE INDEX idx_workflow_queue_claimed ON workflow_queue(claimed_at) WHERE status = 'processing';
		`,
		2: `
			-- Cadence templates, entry triggers and their queues
			CREATE TABLE cadence_templates (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				active BOOLEAN NOT NULL DEFAULT FALSE,
				steps JSONB NOT NULL,
				default_hour INTEGER CHECK (default_hour BETWEEN 0 AND 23),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE entry_triggers (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				pipeline_id TEXT,
				stage_id TEXT NOT NULL,
				active BOOLEAN NOT NULL DEFAULT FALSE,
				action VARCHAR(50) NOT NULL CHECK (action IN ('start_cadence', 'create_task')),
				cadence_id TEXT,
				task JSONB,
				task_delay JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_entry_triggers_stage ON entry_triggers(stage_id) WHERE active;

			CREATE TABLE cadence_instances (
				id TEXT PRIMARY KEY,
				cadence_id TEXT NOT NULL REFERENCES cadence_templates(id),
				card_id TEXT NOT NULL,
				current_step INTEGER NOT NULL DEFAULT 0,
				status VARCHAR(50) NOT NULL CHECK (status IN ('active', 'waiting_task', 'completed', 'cancelled', 'failed')),
				waiting_task_id TEXT,
				last_task_id TEXT,
				total_contacts_attempted INTEGER NOT NULL DEFAULT 0,
				successful_contacts INTEGER NOT NULL DEFAULT 0,
				result TEXT,
				error_message TEXT,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX idx_cadence_instances_active
				ON cadence_instances(cadence_id, card_id)
				WHERE status IN ('active', 'waiting_task');

			CREATE INDEX idx_cadence_instances_waiting_task
				ON cadence_instances(waiting_task_id)
				WHERE status = 'waiting_task';

			CREATE TABLE cadence_queue (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL REFERENCES cadence_instances(id) ON DELETE CASCADE,
				cadence_id TEXT NOT NULL,
				card_id TEXT NOT NULL,
				step_index INTEGER NOT NULL,
				step_key TEXT NOT NULL,
				rechecks INTEGER NOT NULL DEFAULT 0,
				due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')),
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				last_error TEXT,
				claimed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_cadence_queue_due ON cadence_queue(due_at) WHERE status = 'pending';
			CREATE INDEX idx_cadence_queue_instance ON cadence_queue(instance_id);

			CREATE TABLE entry_queue (
				id TEXT PRIMARY KEY,
				card_id TEXT NOT NULL,
				trigger_id TEXT NOT NULL,
				stage_id TEXT NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'ignored', 'failed')),
				reason TEXT,
				claimed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				processed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_entry_queue_pending ON entry_queue(created_at) WHERE status = 'pending';
		`,
		3: `
			-- Append-only audit log shared by both engines
			CREATE TABLE workflow_logs (
				id TEXT PRIMARY KEY,
				engine VARCHAR(20) NOT NULL,
				instance_id TEXT,
				definition_id TEXT,
				card_id TEXT,
				node_id TEXT,
				event VARCHAR(50) NOT NULL,
				input JSONB,
				output JSONB,
				error TEXT,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				dry_run BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_logs_instance ON workflow_logs(instance_id, created_at);

			CREATE TABLE dead_letters (
				id TEXT PRIMARY KEY,
				queue VARCHAR(20) NOT NULL,
				item_id TEXT NOT NULL,
				instance_id TEXT NOT NULL,
				card_id TEXT NOT NULL,
				attempts INTEGER NOT NULL,
				error TEXT NOT NULL,
				payload JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_dead_letters_queue ON dead_letters(queue, created_at);
		`,
		4: `
			-- CRM tables the engines read and write
			CREATE TABLE cards (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				pipeline_id TEXT NOT NULL DEFAULT '',
				stage_id TEXT NOT NULL DEFAULT '',
				owner_id TEXT,
				fields JSONB NOT NULL DEFAULT '{}',
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE tasks (
				id TEXT PRIMARY KEY,
				card_id TEXT NOT NULL,
				type VARCHAR(100) NOT NULL,
				title TEXT NOT NULL,
				description TEXT,
				priority VARCHAR(20) NOT NULL CHECK (priority IN ('alta', 'media', 'baixa')),
				assignee_id TEXT,
				due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('open', 'done', 'cancelled')),
				outcome TEXT,
				idempotency_key TEXT UNIQUE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_tasks_open ON tasks(card_id, type, created_at) WHERE status = 'open';
		`,
		5: `
			-- Entry rows retry with backoff like the step queues
			ALTER TABLE entry_queue
				ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0,
				ADD COLUMN max_attempts INTEGER NOT NULL DEFAULT 3,
				ADD COLUMN last_error TEXT,
				ADD COLUMN execute_at TIMESTAMP WITH TIME ZONE;

			UPDATE entry_queue SET execute_at = created_at;

			ALTER TABLE entry_queue ALTER COLUMN execute_at SET NOT NULL;

			DROP INDEX idx_entry_queue_pending;
			CREATE INDEX idx_entry_queue_due ON entry_queue(execute_at) WHERE status = 'pending';
		`,
	}
}
