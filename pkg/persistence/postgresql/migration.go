package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Definition versions. Nodes and edges are stored as immutable
			-- JSONB snapshots; at most one draft and one published row per
			-- tree key, enforced by partial unique indexes.
			CREATE TABLE workflow_definitions (
				id UUID PRIMARY KEY,
				tree_key VARCHAR(255) NOT NULL,
				version INT NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'published', 'unpublished')),
				draft_revision INT NOT NULL DEFAULT 0,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				version_notes TEXT NOT NULL DEFAULT '',
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE
			);

			CREATE UNIQUE INDEX idx_definitions_tree_version ON workflow_definitions(tree_key, version);
			CREATE UNIQUE INDEX idx_definitions_one_draft ON workflow_definitions(tree_key) WHERE status = 'draft';
			CREATE UNIQUE INDEX idx_definitions_one_published ON workflow_definitions(tree_key) WHERE status = 'published';

			CREATE TABLE workflow_runs (
				id UUID PRIMARY KEY,
				definition_id UUID NOT NULL REFERENCES workflow_definitions(id),
				tree_key VARCHAR(255) NOT NULL,
				definition_version INT NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'paused', 'failed', 'completed', 'cancelled')),
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_runs_status ON workflow_runs(status);
			CREATE INDEX idx_runs_tree_key ON workflow_runs(tree_key);
			CREATE INDEX idx_runs_created_at ON workflow_runs(created_at);

			CREATE TABLE run_nodes (
				id UUID PRIMARY KEY,
				workflow_run_id UUID NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
				tree_node_id VARCHAR(255) NOT NULL,
				node_key VARCHAR(255) NOT NULL,
				attempt INT NOT NULL,
				sequence_index INT NOT NULL DEFAULT 0,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'skipped', 'cancelled')),
				node_role VARCHAR(20) NOT NULL DEFAULT 'standard',
				spawner_node_id UUID,
				join_node_id UUID,
				lineage_depth INT NOT NULL DEFAULT 0,
				sequence_path VARCHAR(255) NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_run_nodes_run ON run_nodes(workflow_run_id);
			CREATE INDEX idx_run_nodes_run_status ON run_nodes(workflow_run_id, status);
			CREATE INDEX idx_run_nodes_run_key ON run_nodes(workflow_run_id, node_key);

			CREATE TABLE fanout_groups (
				id UUID PRIMARY KEY,
				workflow_run_id UUID NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
				spawner_node_id UUID NOT NULL,
				join_node_id UUID NOT NULL,
				spawn_source_artifact_id UUID,
				child_node_ids JSONB NOT NULL DEFAULT '[]',
				expected_children INT NOT NULL,
				completed_children INT NOT NULL DEFAULT 0,
				failed_children INT NOT NULL DEFAULT 0,
				terminal_children INT NOT NULL DEFAULT 0,
				status VARCHAR(20) NOT NULL CHECK (status IN ('open', 'settled')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX idx_fanout_groups_join ON fanout_groups(join_node_id);
			CREATE INDEX idx_fanout_groups_run ON fanout_groups(workflow_run_id);

			-- Append-only per-attempt event logs. The unique index is what
			-- makes storage-assigned sequences safe under concurrent appends.
			CREATE TABLE stream_events (
				id UUID PRIMARY KEY,
				workflow_run_id UUID NOT NULL,
				run_node_id UUID NOT NULL REFERENCES run_nodes(id) ON DELETE CASCADE,
				attempt INT NOT NULL,
				sequence BIGINT NOT NULL,
				event_type VARCHAR(100) NOT NULL,
				payload JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX idx_stream_events_log ON stream_events(run_node_id, attempt, sequence);

			CREATE TABLE artifacts (
				id UUID PRIMARY KEY,
				workflow_run_id UUID NOT NULL,
				run_node_id UUID NOT NULL,
				attempt INT NOT NULL,
				name VARCHAR(255) NOT NULL,
				content_type VARCHAR(100) NOT NULL DEFAULT 'application/json',
				content JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_artifacts_run ON artifacts(workflow_run_id);
			CREATE INDEX idx_artifacts_node ON artifacts(run_node_id, attempt);

			CREATE TABLE routing_decisions (
				id UUID PRIMARY KEY,
				workflow_run_id UUID NOT NULL,
				run_node_id UUID NOT NULL,
				attempt INT NOT NULL,
				route_on VARCHAR(20) NOT NULL,
				edge_id VARCHAR(255),
				target_node_key VARCHAR(255),
				reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_routing_decisions_run ON routing_decisions(workflow_run_id);

			CREATE TABLE diagnostics (
				id UUID PRIMARY KEY,
				workflow_run_id UUID NOT NULL,
				run_node_id UUID NOT NULL,
				attempt INT NOT NULL,
				severity VARCHAR(20) NOT NULL,
				message TEXT NOT NULL,
				detail JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_diagnostics_run ON diagnostics(workflow_run_id);

			CREATE TABLE worktrees (
				id UUID PRIMARY KEY,
				workflow_run_id UUID NOT NULL,
				run_node_id UUID,
				path TEXT NOT NULL,
				branch VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_worktrees_run ON worktrees(workflow_run_id);
		`,
	}
}
