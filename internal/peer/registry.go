package peer

import (
	"encoding/json"
	"sync"

	"github.com/kestrelops/remedy/pkg/schema"
)

// Well-known collaborator names.
const (
	CollaboratorAnalysis    = "analysis"
	CollaboratorRemediation = "remediation"
	CollaboratorApproval    = "approval"
	CollaboratorAudit       = "audit"
)

// Capability names the orchestrator invokes on collaborators.
const (
	CapabilityAnalyze  = "analyze"
	CapabilityPropose  = "propose"
	CapabilityApprove  = "approve"
	CapabilityExecute  = "execute"
	CapabilityLogEvent = "log_event"
)

// Endpoint describes how to reach one collaborator: zero or more addresses
// plus the skill name to invoke per capability. ResultExprs optionally maps a
// capability to a jq expression projecting the collaborator's response into
// the minimal payload the orchestrator reads.
type Endpoint struct {
	Addresses   []string          `json:"addresses"`
	Skills      map[string]string `json:"skills,omitempty"`
	ResultExprs map[string]string `json:"result_exprs,omitempty"`
}

// Skill resolves the skill name for a capability, defaulting to the
// capability itself.
func (e Endpoint) Skill(capability string) string {
	if s, ok := e.Skills[capability]; ok && s != "" {
		return s
	}
	return capability
}

// Registry maps logical collaborator names to endpoints. It is read-only
// during a workflow's lifetime but may be replaced wholesale by an external
// refresh.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewRegistry creates a Registry from an initial endpoint table.
func NewRegistry(endpoints map[string]Endpoint) *Registry {
	if endpoints == nil {
		endpoints = make(map[string]Endpoint)
	}
	return &Registry{endpoints: endpoints}
}

// ParseRegistry builds a Registry from its JSON representation:
//
//	{"analysis": {"addresses": ["http://host:8001"], "skills": {"analyze": "analyze_failure"}}, ...}
func ParseRegistry(data []byte) (*Registry, error) {
	var endpoints map[string]Endpoint
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid endpoint registry JSON").WithCause(err)
	}
	return NewRegistry(endpoints), nil
}

// Lookup returns the endpoint for a collaborator.
func (r *Registry) Lookup(collaborator string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[collaborator]
	return ep, ok
}

// Set installs or replaces a single collaborator endpoint.
func (r *Registry) Set(collaborator string, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[collaborator] = ep
}

// Replace swaps the whole endpoint table (external refresh).
func (r *Registry) Replace(endpoints map[string]Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = endpoints
}

// Counts returns the number of configured addresses per collaborator,
// used by the status endpoint.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.endpoints))
	for name, ep := range r.endpoints {
		counts[name] = len(ep.Addresses)
	}
	return counts
}
