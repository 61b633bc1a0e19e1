package postgresql

// migrations returns the versioned schema for the engine's three tables.
// Each entry runs inside its own transaction.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				trigger_type TEXT NOT NULL,
				trigger_config JSONB NOT NULL DEFAULT '{}',
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				execution_mode TEXT NOT NULL DEFAULT 'sequential',
				max_concurrent_executions INTEGER NOT NULL DEFAULT 1,
				max_retries INTEGER NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				is_paused BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE IF NOT EXISTS executions (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				trigger_type TEXT NOT NULL,
				trigger_data JSONB,
				previous_data JSONB,
				dedupe_key TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				cursor_state JSONB NOT NULL DEFAULT '{}',
				worker_id TEXT NOT NULL DEFAULT '',
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				error_message TEXT NOT NULL DEFAULT '',
				failed_node_id TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				claimed_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_dedupe_key
				ON executions (dedupe_key) WHERE dedupe_key <> '';
			CREATE INDEX IF NOT EXISTS idx_executions_claim
				ON executions (status, created_at, id);
			CREATE INDEX IF NOT EXISTS idx_executions_workflow
				ON executions (workflow_id, created_at DESC);

			CREATE TABLE IF NOT EXISTS execution_steps (
				id TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				attempt_number INTEGER NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				outcome TEXT NOT NULL DEFAULT '',
				error_detail TEXT NOT NULL DEFAULT '',
				output JSONB
			);

			CREATE INDEX IF NOT EXISTS idx_execution_steps_execution
				ON execution_steps (execution_id, started_at);
		`,
	}
}
