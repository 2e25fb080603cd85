package dispatch

import (
	"context"
	"errors"

	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// DeploymentSource is the subset of *store.Store the router needs for the
// master-key admission path, where there is no resolved VirtualKeyGraph to
// consult.
type DeploymentSource interface {
	LoadDeploymentByName(ctx context.Context, name string) (store.DeploymentGraph, error)
}

// route resolves deploymentName to its candidate connections (spec.md
// §4.C). A virtual-key request is scoped to res.Graph.Deployments, which
// store.loadAllowedDeployments already built under invariant 2's access
// rules; a master-key request bypasses that scoping entirely and looks the
// deployment up directly, since a master key has "no project, no limits"
// (spec.md §4.A).
func route(ctx context.Context, deployments DeploymentSource, res identity.Resolution, deploymentName string) (store.DeploymentGraph, *Error) {
	if res.IsMasterKey {
		dg, err := deployments.LoadDeploymentByName(ctx, deploymentName)
		if err != nil {
			if errors.Is(err, store.ErrDeploymentNotFound) {
				return store.DeploymentGraph{}, errNotFound(deploymentName)
			}
			return store.DeploymentGraph{}, errInternal(err)
		}
		if len(dg.Connections) == 0 {
			return store.DeploymentGraph{}, errNoUpstream(deploymentName)
		}
		return dg, nil
	}

	dg, ok := res.Graph.Deployments[deploymentName]
	if !ok {
		// res.Graph.Deployments is pre-filtered to what this virtual key can
		// reach (store.loadAllowedDeployments, invariant 2); a miss here
		// doesn't yet tell us whether the deployment is unknown/archived or
		// merely unreachable by this key/project, so look it up unscoped to
		// tell the two apart (spec.md §4.C: "NotFound / Forbidden (per
		// invariant 2)").
		if _, err := deployments.LoadDeploymentByName(ctx, deploymentName); err != nil {
			if errors.Is(err, store.ErrDeploymentNotFound) {
				return store.DeploymentGraph{}, errNotFound(deploymentName)
			}
			return store.DeploymentGraph{}, errInternal(err)
		}
		return store.DeploymentGraph{}, errForbidden()
	}
	if len(dg.Connections) == 0 {
		return store.DeploymentGraph{}, errNoUpstream(deploymentName)
	}
	return dg, nil
}
