package models

// RouteOn selects which node outcome an edge routes.
type RouteOn string

const (
	RouteOnSuccess RouteOn = "success"
	RouteOnFailure RouteOn = "failure"
)

// DefinitionEdge connects two definition nodes. Edges sharing a source and
// RouteOn are evaluated in ascending Priority order (insertion order breaks
// ties); the first matching edge wins. Failure edges are always unconditional:
// Auto must be true and Guard must be nil.
type DefinitionEdge struct {
	ID            string           `json:"id"`
	SourceNodeKey string           `json:"source_node_key" validate:"required"`
	TargetNodeKey string           `json:"target_node_key" validate:"required"`
	RouteOn       RouteOn          `json:"route_on"`
	Priority      int              `json:"priority"`
	Auto          bool             `json:"auto"`
	Guard         *GuardExpression `json:"guard_expression,omitempty"`
}

// EffectiveRouteOn applies the success default for edges that omit RouteOn.
func (e *DefinitionEdge) EffectiveRouteOn() RouteOn {
	if e.RouteOn == "" {
		return RouteOnSuccess
	}

	return e.RouteOn
}
