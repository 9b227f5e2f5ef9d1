// Package validation checks workflow definition topologies before they are
// saved as drafts or published. Problems are collected into a batch result
// rather than failing fast, so editors can surface every issue at once.
package validation

import (
	"fmt"
	"sort"

	"github.com/arborworks/treeline/pkg/models"
)

// Issue is a single validation finding.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeKey string `json:"node_key,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
}

// Result is the outcome of validating a candidate topology. Publishing is
// refused whenever Errors is non-empty; Warnings never block.
type Result struct {
	Errors                  []Issue  `json:"errors"`
	Warnings                []Issue  `json:"warnings"`
	InitialRunnableNodeKeys []string `json:"initial_runnable_node_keys"`
}

// Valid reports whether the topology may be persisted or published.
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

func (r *Result) addError(code, message, nodeKey, edgeID string) {
	r.Errors = append(r.Errors, Issue{Code: code, Message: message, NodeKey: nodeKey, EdgeID: edgeID})
}

func (r *Result) addWarning(code, message, nodeKey, edgeID string) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Message: message, NodeKey: nodeKey, EdgeID: edgeID})
}

const maxChildrenCeiling = 64

var allowedPermissionKeys = map[string]bool{
	"sandboxMode":    true,
	"approvalPolicy": true,
	"networkAccess":  true,
	"webSearchMode":  true,
}

var sandboxModes = map[string]bool{
	models.SandboxModeReadOnly:       true,
	models.SandboxModeWorkspaceWrite: true,
	models.SandboxModeFullAccess:     true,
}

var approvalPolicies = map[string]bool{
	models.ApprovalPolicyNever:     true,
	models.ApprovalPolicyOnRequest: true,
	models.ApprovalPolicyOnFailure: true,
	models.ApprovalPolicyUntrusted: true,
}

var webSearchModes = map[string]bool{
	models.WebSearchModeOff:    true,
	models.WebSearchModeCached: true,
	models.WebSearchModeLive:   true,
}

// ValidateDraft checks the rules a topology must satisfy before it may be
// saved as a draft: referential integrity, node/edge enumerations, guard
// shape, and execution permission policies.
func ValidateDraft(nodes []*models.DefinitionNode, edges []*models.DefinitionEdge) *Result {
	result := &Result{
		Errors:                  make([]Issue, 0),
		Warnings:                make([]Issue, 0),
		InitialRunnableNodeKeys: make([]string, 0),
	}

	nodeKeys := make(map[string]*models.DefinitionNode, len(nodes))

	for _, node := range nodes {
		validateNode(result, node, nodeKeys)
	}

	for _, edge := range edges {
		validateEdge(result, edge, nodeKeys)
	}

	result.InitialRunnableNodeKeys = initialRunnableKeys(nodes, edges)

	return result
}

// ValidateForPublish applies the draft rules plus the publish-only rules: the
// graph must have at least one entry node, every node should be reachable,
// and fan-out spawners must have a downstream join.
func ValidateForPublish(nodes []*models.DefinitionNode, edges []*models.DefinitionEdge) *Result {
	result := ValidateDraft(nodes, edges)

	if len(nodes) == 0 {
		result.addError("empty_definition", "definition has no nodes", "", "")

		return result
	}

	if len(result.InitialRunnableNodeKeys) == 0 {
		result.addError("no_entry_node",
			"every node has incoming edges; at least one entry node is required", "", "")
	}

	validateReachability(result, nodes, edges)
	validateFanOut(result, nodes, edges)

	return result
}

func validateNode(result *Result, node *models.DefinitionNode, nodeKeys map[string]*models.DefinitionNode) {
	if node.NodeKey == "" {
		result.addError("node_key_required", "node has an empty node key", "", "")

		return
	}

	if _, exists := nodeKeys[node.NodeKey]; exists {
		result.addError("duplicate_node_key",
			fmt.Sprintf("node key %q is used more than once", node.NodeKey), node.NodeKey, "")
	}

	nodeKeys[node.NodeKey] = node

	switch node.NodeType {
	case models.NodeTypeAgent, models.NodeTypeHuman, models.NodeTypeTool:
	default:
		result.addError("invalid_node_type",
			fmt.Sprintf("node %q has unsupported type %q", node.NodeKey, node.NodeType), node.NodeKey, "")
	}

	switch node.NodeRole {
	case "", models.NodeRoleStandard, models.NodeRoleSpawner, models.NodeRoleJoin:
	default:
		result.addError("invalid_node_role",
			fmt.Sprintf("node %q has unsupported role %q", node.NodeKey, node.NodeRole), node.NodeKey, "")
	}

	if node.MaxChildren < 0 || node.MaxChildren > maxChildrenCeiling {
		result.addError("invalid_max_children",
			fmt.Sprintf("node %q max_children must be between 0 and %d", node.NodeKey, maxChildrenCeiling),
			node.NodeKey, "")
	}

	validatePermissions(result, node)
}

func validatePermissions(result *Result, node *models.DefinitionNode) {
	for key, value := range node.ExecutionPermissions {
		if !allowedPermissionKeys[key] {
			result.addError("unsupported_permission_key",
				fmt.Sprintf("node %q has unsupported execution permission key %q", node.NodeKey, key),
				node.NodeKey, "")

			continue
		}

		switch key {
		case "sandboxMode":
			if mode, ok := value.(string); !ok || !sandboxModes[mode] {
				result.addError("invalid_sandbox_mode",
					fmt.Sprintf("node %q has invalid sandboxMode %v", node.NodeKey, value), node.NodeKey, "")
			}
		case "approvalPolicy":
			if policy, ok := value.(string); !ok || !approvalPolicies[policy] {
				result.addError("invalid_approval_policy",
					fmt.Sprintf("node %q has invalid approvalPolicy %v", node.NodeKey, value), node.NodeKey, "")
			}
		case "webSearchMode":
			if mode, ok := value.(string); !ok || !webSearchModes[mode] {
				result.addError("invalid_web_search_mode",
					fmt.Sprintf("node %q has invalid webSearchMode %v", node.NodeKey, value), node.NodeKey, "")
			}
		case "networkAccess":
			if _, ok := value.(bool); !ok {
				result.addError("invalid_network_access",
					fmt.Sprintf("node %q networkAccess must be a boolean", node.NodeKey), node.NodeKey, "")
			}
		}
	}
}

func validateEdge(result *Result, edge *models.DefinitionEdge, nodeKeys map[string]*models.DefinitionNode) {
	if _, ok := nodeKeys[edge.SourceNodeKey]; !ok {
		result.addError("unknown_source_node",
			fmt.Sprintf("edge references unknown source node %q", edge.SourceNodeKey), "", edge.ID)
	}

	if _, ok := nodeKeys[edge.TargetNodeKey]; !ok {
		result.addError("unknown_target_node",
			fmt.Sprintf("edge references unknown target node %q", edge.TargetNodeKey), "", edge.ID)
	}

	switch edge.RouteOn {
	case "", models.RouteOnSuccess:
	case models.RouteOnFailure:
		// Failure routing is unconditional: no guards, always auto.
		if !edge.Auto {
			result.addError("failure_edge_not_auto",
				fmt.Sprintf("failure edge %s → %s must be auto", edge.SourceNodeKey, edge.TargetNodeKey),
				"", edge.ID)
		}

		if edge.Guard != nil {
			result.addError("failure_edge_guarded",
				fmt.Sprintf("failure edge %s → %s must not carry a guard", edge.SourceNodeKey, edge.TargetNodeKey),
				"", edge.ID)
		}
	default:
		result.addError("invalid_route_on",
			fmt.Sprintf("edge has unsupported route_on %q", edge.RouteOn), "", edge.ID)
	}

	if edge.Guard != nil {
		validateGuard(result, edge.Guard, edge.ID)
	}

	if !edge.Auto && edge.Guard == nil && edge.EffectiveRouteOn() == models.RouteOnSuccess {
		result.addWarning("edge_never_fires",
			fmt.Sprintf("edge %s → %s is neither auto nor guarded and will never fire",
				edge.SourceNodeKey, edge.TargetNodeKey), "", edge.ID)
	}
}

func validateGuard(result *Result, guard *models.GuardExpression, edgeID string) {
	if guard.IsComposite() {
		if guard.Logic != models.GuardLogicAnd && guard.Logic != models.GuardLogicOr {
			result.addError("invalid_guard_logic",
				fmt.Sprintf("guard has unsupported logic operator %q", guard.Logic), "", edgeID)
		}

		if len(guard.Conditions) == 0 {
			result.addError("empty_guard_composite",
				"composite guard must have at least one condition", "", edgeID)
		}

		if guard.Field != "" || guard.Operator != "" || guard.Value != nil {
			result.addError("mixed_guard_shape",
				"guard cannot be both a comparison leaf and a logical composite", "", edgeID)
		}

		for _, condition := range guard.Conditions {
			validateGuard(result, condition, edgeID)
		}

		return
	}

	if guard.Field == "" {
		result.addError("guard_field_required", "guard leaf has an empty field reference", "", edgeID)
	}

	validOperator := false

	for _, op := range models.GuardOperators {
		if guard.Operator == op {
			validOperator = true

			break
		}
	}

	if !validOperator {
		result.addError("invalid_guard_operator",
			fmt.Sprintf("guard leaf has unsupported operator %q", guard.Operator), "", edgeID)
	}

	switch guard.Value.(type) {
	case string, bool, float64, float32, int, int32, int64:
	default:
		result.addError("invalid_guard_value",
			fmt.Sprintf("guard value must be a scalar, got %T", guard.Value), "", edgeID)
	}
}

// initialRunnableKeys returns the keys of nodes with no incoming edges,
// ordered by sequence index then key so planning is deterministic.
func initialRunnableKeys(nodes []*models.DefinitionNode, edges []*models.DefinitionEdge) []string {
	hasIncoming := make(map[string]bool)
	for _, edge := range edges {
		hasIncoming[edge.TargetNodeKey] = true
	}

	entries := make([]*models.DefinitionNode, 0)

	for _, node := range nodes {
		if node.NodeKey != "" && !hasIncoming[node.NodeKey] {
			entries = append(entries, node)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SequenceIndex != entries[j].SequenceIndex {
			return entries[i].SequenceIndex < entries[j].SequenceIndex
		}

		return entries[i].NodeKey < entries[j].NodeKey
	})

	keys := make([]string, 0, len(entries))
	for _, node := range entries {
		keys = append(keys, node.NodeKey)
	}

	return keys
}

func validateReachability(result *Result, nodes []*models.DefinitionNode, edges []*models.DefinitionEdge) {
	reachable := make(map[string]bool)
	queue := initialRunnableKeys(nodes, edges)

	for _, key := range queue {
		reachable[key] = true
	}

	outgoing := make(map[string][]string)
	for _, edge := range edges {
		outgoing[edge.SourceNodeKey] = append(outgoing[edge.SourceNodeKey], edge.TargetNodeKey)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, target := range outgoing[current] {
			if !reachable[target] {
				reachable[target] = true
				queue = append(queue, target)
			}
		}
	}

	for _, node := range nodes {
		if node.NodeKey != "" && !reachable[node.NodeKey] {
			result.addWarning("unreachable_node",
				fmt.Sprintf("node %q is not reachable from any entry node", node.NodeKey), node.NodeKey, "")
		}
	}
}

// validateFanOut checks spawner/join pairing: every spawner needs a join
// somewhere downstream of its success edges, and a join with no upstream
// spawner will never be gated.
func validateFanOut(result *Result, nodes []*models.DefinitionNode, edges []*models.DefinitionEdge) {
	byKey := make(map[string]*models.DefinitionNode, len(nodes))
	for _, node := range nodes {
		byKey[node.NodeKey] = node
	}

	outgoing := make(map[string][]string)
	incoming := make(map[string][]string)

	for _, edge := range edges {
		if edge.EffectiveRouteOn() == models.RouteOnSuccess {
			outgoing[edge.SourceNodeKey] = append(outgoing[edge.SourceNodeKey], edge.TargetNodeKey)
			incoming[edge.TargetNodeKey] = append(incoming[edge.TargetNodeKey], edge.SourceNodeKey)
		}
	}

	for _, node := range nodes {
		if node.IsSpawner() {
			if !joinDownstream(node.NodeKey, byKey, outgoing) {
				result.addError("spawner_missing_join",
					fmt.Sprintf("spawner %q has no join node downstream of its success edges", node.NodeKey),
					node.NodeKey, "")
			}
		}

		if node.IsJoin() {
			if !spawnerUpstream(node.NodeKey, byKey, incoming) {
				result.addWarning("join_without_spawner",
					fmt.Sprintf("join %q has no spawner upstream and will never be gated", node.NodeKey),
					node.NodeKey, "")
			}
		}
	}
}

func joinDownstream(start string, byKey map[string]*models.DefinitionNode, outgoing map[string][]string) bool {
	return search(start, outgoing, func(key string) bool {
		node := byKey[key]

		return node != nil && node.IsJoin()
	})
}

func spawnerUpstream(start string, byKey map[string]*models.DefinitionNode, incoming map[string][]string) bool {
	return search(start, incoming, func(key string) bool {
		node := byKey[key]

		return node != nil && node.IsSpawner()
	})
}

func search(start string, adjacency map[string][]string, match func(string) bool) bool {
	visited := map[string]bool{start: true}
	queue := []string{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range adjacency[current] {
			if visited[next] {
				continue
			}

			if match(next) {
				return true
			}

			visited[next] = true
			queue = append(queue, next)
		}
	}

	return false
}
