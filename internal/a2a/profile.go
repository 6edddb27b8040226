package a2a

import (
	"fmt"
	"sort"
	"time"
)

type TransportKind string

const (
	TransportHTTP      TransportKind = "http"
	TransportHTTPS     TransportKind = "https"
	TransportWebSocket TransportKind = "websocket"
	TransportGRPC      TransportKind = "grpc"
	TransportMQTT      TransportKind = "mqtt"
	TransportP2P       TransportKind = "p2p"
	TransportLocal     TransportKind = "local"
)

// Endpoint is one way of reaching an agent. Higher priority is tried first.
type Endpoint struct {
	Transport TransportKind `json:"transport" yaml:"transport"`
	URL       string        `json:"url" yaml:"url"`
	Priority  int           `json:"priority" yaml:"priority"`
}

type AgentStatus string

const (
	StatusActive      AgentStatus = "active"
	StatusInactive    AgentStatus = "inactive"
	StatusMaintenance AgentStatus = "maintenance"
	StatusError       AgentStatus = "error"
)

// Capability is a named function an agent offers.
type Capability struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Performance holds the metrics discovery ranks agents by.
type Performance struct {
	SuccessRate     float64 `json:"successRate"`
	AvgResponseTime float64 `json:"avgResponseTimeMs,omitempty"`
	TotalRequests   int64   `json:"totalRequests,omitempty"`
}

type ProfileMetadata struct {
	Version     string       `json:"version,omitempty"`
	Status      AgentStatus  `json:"status"`
	Performance *Performance `json:"performance,omitempty"`
	Created     time.Time    `json:"created"`
	Updated     time.Time    `json:"updated"`
}

// AgentProfile describes a routable agent. Owned by the discovery service.
type AgentProfile struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Category     string          `json:"category"`
	Capabilities []Capability    `json:"capabilities"`
	Endpoints    []Endpoint      `json:"endpoints"`
	PublicKey    string          `json:"publicKey,omitempty"`
	Metadata     ProfileMetadata `json:"metadata"`
}

// Validate checks the profile invariants: an id, at least one capability and
// at least one endpoint.
func (p *AgentProfile) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: profile is nil", ErrInvalidFormat)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidFormat)
	}
	if len(p.Capabilities) == 0 {
		return fmt.Errorf("%w: agent %s must declare at least one capability", ErrInvalidFormat, p.ID)
	}
	for _, c := range p.Capabilities {
		if c.ID == "" {
			return fmt.Errorf("%w: agent %s has a capability without id", ErrInvalidFormat, p.ID)
		}
	}
	if len(p.Endpoints) == 0 {
		return fmt.Errorf("%w: agent %s must declare at least one endpoint", ErrInvalidFormat, p.ID)
	}
	for _, ep := range p.Endpoints {
		if ep.URL == "" || ep.Transport == "" {
			return fmt.Errorf("%w: agent %s has an incomplete endpoint", ErrInvalidFormat, p.ID)
		}
	}
	return nil
}

// HasCapability reports whether the profile declares capability id.
func (p *AgentProfile) HasCapability(id string) bool {
	for _, c := range p.Capabilities {
		if c.ID == id {
			return true
		}
	}
	return false
}

// SuccessRate returns the performance success rate, 0 when unknown.
func (p *AgentProfile) SuccessRate() float64 {
	if p.Metadata.Performance == nil {
		return 0
	}
	return p.Metadata.Performance.SuccessRate
}

// EndpointsByPriority returns the endpoints ordered by descending priority.
// Endpoints with equal priority keep their declared order.
func (p *AgentProfile) EndpointsByPriority() []Endpoint {
	out := append([]Endpoint(nil), p.Endpoints...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

func (p *AgentProfile) Clone() *AgentProfile {
	if p == nil {
		return nil
	}
	out := *p
	out.Capabilities = append([]Capability(nil), p.Capabilities...)
	out.Endpoints = append([]Endpoint(nil), p.Endpoints...)
	if p.Metadata.Performance != nil {
		perf := *p.Metadata.Performance
		out.Metadata.Performance = &perf
	}
	return &out
}
