package discovery

import (
	"encoding/hex"
	"sort"

	canonicaljson "github.com/gibson042/canonicaljson-go"
	"golang.org/x/crypto/sha3"

	"github.com/praxis/a2a-router/internal/a2a"
)

// Query filters the registry. Capabilities must all be present on an agent;
// Categories and AgentTypes match if the agent has any of them. Empty fields
// do not filter. Limit 0 means no limit.
type Query struct {
	Capabilities []string        `json:"capabilities,omitempty"`
	Categories   []string        `json:"categories,omitempty"`
	AgentTypes   []string        `json:"agentTypes,omitempty"`
	Status       a2a.AgentStatus `json:"status,omitempty"`
	Offset       int             `json:"offset,omitempty"`
	Limit        int             `json:"limit,omitempty"`
}

const allAgentsTag = "discover:all"

func agentTag(id string) string { return "agent:" + id }
func capabilityTag(c string) string { return "cap:" + c }
func categoryTag(c string) string { return "cat:" + c }
func typeTag(t string) string { return "type:" + t }
func statusTag(s a2a.AgentStatus) string { return "status:" + string(s) }

func (q Query) normalized() Query {
	out := q
	out.Capabilities = sortedCopy(q.Capabilities)
	out.Categories = sortedCopy(q.Categories)
	out.AgentTypes = sortedCopy(q.AgentTypes)
	if out.Offset < 0 {
		out.Offset = 0
	}
	if out.Limit < 0 {
		out.Limit = 0
	}
	return out
}

// cacheKey derives a stable key from the normalized query.
func (q Query) cacheKey() string {
	encoded, err := canonicaljson.Marshal(q.normalized())
	if err != nil {
		return ""
	}
	sum := sha3.Sum256(encoded)
	return "discover:" + hex.EncodeToString(sum[:16])
}

// dimensionTags are the tags a mutation must hit to affect this query's
// result. An agent matching the query carries every one of them.
func (q Query) dimensionTags() []string {
	var tags []string
	for _, c := range q.Capabilities {
		tags = append(tags, capabilityTag(c))
	}
	for _, c := range q.Categories {
		tags = append(tags, categoryTag(c))
	}
	for _, t := range q.AgentTypes {
		tags = append(tags, typeTag(t))
	}
	if q.Status != "" {
		tags = append(tags, statusTag(q.Status))
	}
	if len(tags) == 0 {
		tags = append(tags, allAgentsTag)
	}
	return tags
}

func (q Query) matches(p *a2a.AgentProfile) bool {
	for _, c := range q.Capabilities {
		if !p.HasCapability(c) {
			return false
		}
	}
	if len(q.Categories) > 0 && !contains(q.Categories, p.Category) {
		return false
	}
	if len(q.AgentTypes) > 0 && !contains(q.AgentTypes, p.Type) {
		return false
	}
	if q.Status != "" && p.Metadata.Status != q.Status {
		return false
	}
	return true
}

// profileTags lists every tag a change to p invalidates.
func profileTags(p *a2a.AgentProfile) []string {
	tags := []string{agentTag(p.ID), allAgentsTag}
	for _, c := range p.Capabilities {
		tags = append(tags, capabilityTag(c.ID))
	}
	if p.Category != "" {
		tags = append(tags, categoryTag(p.Category))
	}
	if p.Type != "" {
		tags = append(tags, typeTag(p.Type))
	}
	if p.Metadata.Status != "" {
		tags = append(tags, statusTag(p.Metadata.Status))
	}
	return tags
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
