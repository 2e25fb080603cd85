package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// ErrVirtualKeyNotFound is returned when no virtual_key row matches the
// given credential hash (spec.md §4.A: "no matching hash → Unauthorized").
var ErrVirtualKeyNotFound = errors.New("store: virtual key not found")

// loadVirtualKeyGraph reads the full routing graph for one virtual key hash
// in a handful of round trips. The admin surface is the only writer of this
// data, so no transaction isolation beyond read-committed is required.
func (s *Store) loadVirtualKeyGraph(ctx context.Context, keyHashHex string) (VirtualKeyGraph, error) {
	var vk domain.VirtualKey
	var keyHash, keySalt []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT id, alias, project_id, blocked, key_salt, key_hash
		FROM virtual_keys
		WHERE encode(key_hash, 'hex') = $1
	`, keyHashHex)
	if err := row.Scan(&vk.ID, &vk.Alias, &vk.Project, &vk.Blocked, &keySalt, &keyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VirtualKeyGraph{}, ErrVirtualKeyNotFound
		}
		return VirtualKeyGraph{}, fmt.Errorf("store: load virtual key: %w", err)
	}
	vk.KeySalt, vk.KeyHash = keySalt, keyHash

	limits, err := s.loadLimits(ctx, "virtual_key_id", vk.ID)
	if err != nil {
		return VirtualKeyGraph{}, err
	}
	vk.Limits = limits

	var proj domain.Project
	if err := s.db.QueryRowContext(ctx, `SELECT id, name FROM projects WHERE id = $1`, vk.Project).
		Scan(&proj.ID, &proj.Name); err != nil {
		return VirtualKeyGraph{}, fmt.Errorf("store: load project: %w", err)
	}
	if proj.Limits, err = s.loadLimits(ctx, "project_id", proj.ID); err != nil {
		return VirtualKeyGraph{}, err
	}

	deployments, err := s.loadAllowedDeployments(ctx, vk.ID, proj.ID)
	if err != nil {
		return VirtualKeyGraph{}, err
	}

	return VirtualKeyGraph{VirtualKey: vk, Project: proj, Deployments: deployments}, nil
}

// loadAllowedDeployments resolves every deployment a virtual key may target
// per spec.md §3 invariant 2: a private deployment needs a project edge, a
// public deployment needs none — but either way, once a key carries ANY
// virtual_key_deployments rows, that set becomes the key's full allowlist
// and even public deployments outside it are unreachable. An empty
// virtual_key_deployments set leaves public deployments unrestricted.
func (s *Store) loadAllowedDeployments(ctx context.Context, vkID, projID uuid.UUID) (map[string]DeploymentGraph, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH vk_scope AS (
		    SELECT deployment_id FROM virtual_key_deployments WHERE virtual_key_id = $1
		), has_scope AS (
		    SELECT EXISTS(SELECT 1 FROM vk_scope) AS present
		)
		SELECT DISTINCT d.id, d.name, d.access, d.strategy, d.archived
		FROM deployments d, has_scope
		WHERE d.archived = false
		  AND (NOT has_scope.present OR d.id IN (SELECT deployment_id FROM vk_scope))
		  AND (
		    d.access = 'public'
		    OR d.id IN (SELECT deployment_id FROM project_deployments WHERE project_id = $2)
		  )
	`, vkID, projID)
	if err != nil {
		return nil, fmt.Errorf("store: load deployments: %w", err)
	}
	defer rows.Close()

	out := make(map[string]DeploymentGraph)
	var ids []uuid.UUID
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.Name, &d.Access, &d.Strategy, &d.Archived); err != nil {
			return nil, fmt.Errorf("store: scan deployment: %w", err)
		}
		out[d.Name] = DeploymentGraph{Deployment: d}
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for name, dg := range out {
		limits, err := s.loadLimits(ctx, "deployment_id", dg.Deployment.ID)
		if err != nil {
			return nil, err
		}
		dg.Deployment.Limits = limits

		conns, err := s.loadDeploymentConnections(ctx, dg.Deployment.ID)
		if err != nil {
			return nil, err
		}
		dg.Connections = conns
		out[name] = dg
	}

	return out, nil
}

// ErrDeploymentNotFound is returned when no non-archived deployment matches
// the requested name.
var ErrDeploymentNotFound = errors.New("store: deployment not found")

// LoadDeploymentByName resolves a deployment by name with no virtual-key or
// project scoping at all, for the master-key admission path (spec.md §4.A:
// a master key has "no project, no limits" — it is not confined to any
// project's or key's allowlist).
func (s *Store) LoadDeploymentByName(ctx context.Context, name string) (DeploymentGraph, error) {
	var d domain.Deployment
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, access, strategy, archived FROM deployments
		WHERE name = $1 AND archived = false
	`, name)
	if err := row.Scan(&d.ID, &d.Name, &d.Access, &d.Strategy, &d.Archived); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeploymentGraph{}, ErrDeploymentNotFound
		}
		return DeploymentGraph{}, fmt.Errorf("store: load deployment by name: %w", err)
	}

	limits, err := s.loadLimits(ctx, "deployment_id", d.ID)
	if err != nil {
		return DeploymentGraph{}, err
	}
	d.Limits = limits

	conns, err := s.loadDeploymentConnections(ctx, d.ID)
	if err != nil {
		return DeploymentGraph{}, err
	}
	return DeploymentGraph{Deployment: d, Connections: conns}, nil
}

func (s *Store) loadDeploymentConnections(ctx context.Context, depID uuid.UUID) ([]domain.DeploymentConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.credentials, c.endpoint, c.azure_resource, c.azure_api_version,
		       c.gemini_api_version, dc.weight
		FROM deployment_connections dc
		JOIN connections c ON c.id = dc.connection_id
		WHERE dc.deployment_id = $1
	`, depID)
	if err != nil {
		return nil, fmt.Errorf("store: load deployment connections: %w", err)
	}
	defer rows.Close()

	var out []domain.DeploymentConnection
	for rows.Next() {
		var (
			conn             domain.Connection
			azureResource    sql.NullString
			azureAPIVersion  sql.NullString
			geminiAPIVersion sql.NullString
			weight           int
		)
		if err := rows.Scan(&conn.ID, &conn.Info.Kind, &conn.Info.Credentials, &conn.Info.Endpoint,
			&azureResource, &azureAPIVersion, &geminiAPIVersion, &weight); err != nil {
			return nil, fmt.Errorf("store: scan connection: %w", err)
		}
		if azureResource.Valid {
			conn.Info.Azure = &domain.AzureInfo{Resource: azureResource.String, APIVersion: azureAPIVersion.String}
		}
		if geminiAPIVersion.Valid {
			conn.Info.Gemini = &domain.GeminiInfo{APIVersion: geminiAPIVersion.String}
		}
		limits, err := s.loadLimits(ctx, "connection_id", conn.ID)
		if err != nil {
			return nil, err
		}
		conn.Limits = limits
		out = append(out, domain.DeploymentConnection{Deployment: depID, Connection: conn, Weight: weight})
	}
	return out, rows.Err()
}

// loadLimits gathers the budget/request/token limit rows attached to one
// owner column/id pair into a single LimitTriple.
func (s *Store) loadLimits(ctx context.Context, ownerCol string, ownerID uuid.UUID) (domain.LimitTriple, error) {
	var t domain.LimitTriple

	budgetRows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT rate, amount FROM budget_limits WHERE %s = $1`, ownerCol), ownerID)
	if err != nil {
		return t, fmt.Errorf("store: load budget limits: %w", err)
	}
	defer budgetRows.Close()
	for budgetRows.Next() {
		var bl domain.BudgetLimit
		if err := budgetRows.Scan(&bl.Rate, &bl.Amount); err != nil {
			return t, err
		}
		t.BudgetLimits = append(t.BudgetLimits, bl)
	}
	if err := budgetRows.Err(); err != nil {
		return t, err
	}

	requestRows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT rate, count FROM request_limits WHERE %s = $1`, ownerCol), ownerID)
	if err != nil {
		return t, fmt.Errorf("store: load request limits: %w", err)
	}
	defer requestRows.Close()
	for requestRows.Next() {
		var rl domain.RequestLimit
		if err := requestRows.Scan(&rl.Rate, &rl.Count); err != nil {
			return t, err
		}
		t.RequestLimits = append(t.RequestLimits, rl)
	}
	if err := requestRows.Err(); err != nil {
		return t, err
	}

	tokenRows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT rate, count, kind FROM token_limits WHERE %s = $1`, ownerCol), ownerID)
	if err != nil {
		return t, fmt.Errorf("store: load token limits: %w", err)
	}
	defer tokenRows.Close()
	for tokenRows.Next() {
		var tl domain.TokenLimit
		if err := tokenRows.Scan(&tl.Rate, &tl.Count, &tl.Kind); err != nil {
			return t, err
		}
		t.TokenLimits = append(t.TokenLimits, tl)
	}
	return t, tokenRows.Err()
}
