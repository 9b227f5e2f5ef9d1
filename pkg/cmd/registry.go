package cmd

import (
	"log/slog"

	"github.com/arborworks/treeline/pkg/invokers/httpagent"
	"github.com/arborworks/treeline/pkg/invokers/human"
	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/registry"
)

func registerNativeInvokers(reg *registry.Registry, agentEndpoint string) {
	reg.RegisterInvoker(httpagent.NewInvokerFactory(agentEndpoint))
	reg.RegisterInvoker(human.NewInvokerFactory())
}

// NewRegistry builds the provider registry with the natively shipped invokers
// and the default provider per node type. agentEndpoint is the deployment's
// default HTTP agent provider URL; nodes may override it in configuration.
func NewRegistry(logger *slog.Logger, agentEndpoint string) *registry.Registry {
	reg := registry.NewRegistry(logger)

	registerNativeInvokers(reg, agentEndpoint)

	reg.SetTypeDefault(models.NodeTypeAgent, httpagent.ProviderID)
	reg.SetTypeDefault(models.NodeTypeTool, httpagent.ProviderID)
	reg.SetTypeDefault(models.NodeTypeHuman, human.ProviderID)

	return reg
}
