package models

// NodeType represents the kind of collaborator that executes a node.
type NodeType string

const (
	NodeTypeAgent NodeType = "agent" // LLM/agent provider call
	NodeTypeHuman NodeType = "human" // Waits on operator input
	NodeTypeTool  NodeType = "tool"  // Deterministic tool invocation
)

// NodeRole represents a node's role in fan-out/join synchronization.
type NodeRole string

const (
	NodeRoleStandard NodeRole = "standard"
	NodeRoleSpawner  NodeRole = "spawner" // Produces parallel child work items
	NodeRoleJoin     NodeRole = "join"    // Gated until spawned children settle
)

// DefaultMaxChildren caps the number of children a spawner may produce when
// the definition does not set its own limit.
const DefaultMaxChildren = 12

// Execution permission enumerations. Unknown keys or values are rejected at
// validation time.
const (
	SandboxModeReadOnly       = "read-only"
	SandboxModeWorkspaceWrite = "workspace-write"
	SandboxModeFullAccess     = "full-access"

	ApprovalPolicyNever     = "never"
	ApprovalPolicyOnRequest = "on-request"
	ApprovalPolicyOnFailure = "on-failure"
	ApprovalPolicyUntrusted = "untrusted"

	WebSearchModeOff    = "off"
	WebSearchModeCached = "cached"
	WebSearchModeLive   = "live"
)

// PromptTemplate holds the template handed to the node's provider, rendered
// against the upstream result context before invocation.
type PromptTemplate struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type"` // e.g. text/markdown
}

// DefinitionNode is a node inside a workflow definition graph.
type DefinitionNode struct {
	ID                   string          `json:"id"`
	NodeKey              string          `json:"node_key"       validate:"required,min=1"`
	NodeType             NodeType        `json:"node_type"      validate:"required"`
	NodeRole             NodeRole        `json:"node_role"`
	MaxChildren          int             `json:"max_children"` // Spawner cap, DefaultMaxChildren when zero
	Provider             string          `json:"provider"`
	Model                string          `json:"model"`
	ExecutionPermissions map[string]any  `json:"execution_permissions,omitempty"`
	PromptTemplate       *PromptTemplate `json:"prompt_template,omitempty"`
	SequenceIndex        int             `json:"sequence_index"` // Tie-break and display order
	PositionX            int             `json:"position_x"`     // Layout only
	PositionY            int             `json:"position_y"`
}

// EffectiveMaxChildren returns the spawner child cap, applying the default.
func (n *DefinitionNode) EffectiveMaxChildren() int {
	if n.MaxChildren > 0 {
		return n.MaxChildren
	}

	return DefaultMaxChildren
}

func (n *DefinitionNode) IsSpawner() bool {
	return n.NodeRole == NodeRoleSpawner
}

func (n *DefinitionNode) IsJoin() bool {
	return n.NodeRole == NodeRoleJoin
}
