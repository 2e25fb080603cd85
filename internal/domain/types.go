// Package domain holds the data model shared by the request-path pipeline.
// These types mirror the persisted entities that the (external) admin
// surface creates and mutates; the core only ever reads them.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Rate is the tumbling-window period a limit is evaluated against.
type Rate string

const (
	RateHourly  Rate = "hourly"
	RateDaily   Rate = "daily"
	RateMonthly Rate = "monthly"
)

// TokenKind distinguishes which token count a token limit bounds.
type TokenKind string

const (
	TokenKindInput  TokenKind = "input"
	TokenKindOutput TokenKind = "output"
	TokenKindTotal  TokenKind = "total"
)

// Access controls whether a Deployment is reachable without an explicit
// project_deployments edge.
type Access string

const (
	AccessPrivate Access = "private"
	AccessPublic  Access = "public"
)

// Strategy names a Load Balancer selection algorithm.
type Strategy string

const (
	StrategyRoundRobin               Strategy = "round_robin"
	StrategyWeightedRoundRobin       Strategy = "weighted_round_robin"
	StrategyLeastConnections         Strategy = "least_connections"
	StrategyWeightedLeastConnections Strategy = "weighted_least_connections"
)

// ConnectionKind is the discriminator of the connection_info union (§3).
type ConnectionKind string

const (
	ConnectionKindAzureOpenAI ConnectionKind = "azure/openai"
	ConnectionKindOpenAIV1    ConnectionKind = "openai/v1"
	ConnectionKindGemini      ConnectionKind = "gemini"
)

// BudgetLimit caps cost, in USD-cost-units, within a rate window.
type BudgetLimit struct {
	Rate   Rate
	Amount float64
}

// RequestLimit caps request count within a rate window.
type RequestLimit struct {
	Rate  Rate
	Count int64
}

// TokenLimit caps a token count (by kind) within a rate window.
type TokenLimit struct {
	Rate  Rate
	Count int64
	Kind  TokenKind
}

// LimitTriple is the limit set attachable to a connection, deployment,
// virtual key, or project (§3).
type LimitTriple struct {
	BudgetLimits  []BudgetLimit
	RequestLimits []RequestLimit
	TokenLimits   []TokenLimit
}

// Empty reports whether the triple carries no limits at all, in which case
// the Quota Engine skips evaluating this scope entirely.
func (t LimitTriple) Empty() bool {
	return len(t.BudgetLimits) == 0 && len(t.RequestLimits) == 0 && len(t.TokenLimits) == 0
}

// User is the admin-surface account entity. The core reads nothing from it;
// it exists here only so the data model is complete per the entity graph.
type User struct {
	ID       uuid.UUID
	Email    string
	Verified bool
	Blocked  bool
	Role     string
}

// Project groups virtual keys under a shared optional limit triple.
type Project struct {
	ID     uuid.UUID
	Name   string
	Limits LimitTriple
}

// Deployment is a named logical route fanning out to one or more Connections.
type Deployment struct {
	ID       uuid.UUID
	Name     string
	Access   Access
	Strategy Strategy
	Limits   LimitTriple
	Archived bool
}

// AzureInfo carries the Azure-specific connection fields.
type AzureInfo struct {
	Resource   string
	APIVersion string
}

// GeminiInfo carries the Gemini-specific connection fields.
type GeminiInfo struct {
	APIVersion string
}

// ConnectionInfo is the tagged-variant descriptor named in spec.md §3/§9:
// exactly one of Azure/Gemini is populated, keyed by Kind.
type ConnectionInfo struct {
	Kind        ConnectionKind
	Credentials string // API key or equivalent bearer secret
	Endpoint    string
	Azure       *AzureInfo
	Gemini      *GeminiInfo
}

// Connection is a configured credential + endpoint to a single upstream
// provider.
type Connection struct {
	ID     uuid.UUID
	Info   ConnectionInfo
	Limits LimitTriple
}

// DeploymentConnection is the deployment_connections edge: a candidate
// connection for a deployment, carrying its load-balancing weight.
type DeploymentConnection struct {
	Deployment uuid.UUID
	Connection Connection
	Weight     int // 0..100
}

// VirtualKey is a bearer credential scoped to one project.
type VirtualKey struct {
	ID       uuid.UUID
	Alias    string
	Project  uuid.UUID
	Blocked  bool
	Limits   LimitTriple
	KeySalt  []byte
	KeyHash  []byte // comparator hash; the plaintext secret is never stored
}

// NilVirtualKeySentinel is the virtual_key_id logged for master-key
// requests, which are not billable and carry no project/limits (§4.A, §9c).
var NilVirtualKeySentinel = uuid.Nil

// RequestLog is one row per upstream attempt, keyed by (ID, AttemptNumber).
type RequestLog struct {
	ID             uuid.UUID
	AttemptNumber  int
	VirtualKeyID   uuid.UUID
	ProjectID      uuid.UUID
	DeploymentID   uuid.UUID
	ConnectionID   uuid.UUID
	Provider       string
	Method         string
	Path           string
	InputTokens    int64
	OutputTokens   int64
	TotalTokens    int64 // derived: InputTokens + OutputTokens
	Cost           float64
	HTTPStatusCode int
	ErrorMessage   string
	RequestTS      time.Time
	ResponseTS     time.Time
}
