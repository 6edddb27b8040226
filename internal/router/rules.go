package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/praxis/a2a-router/internal/a2a"
)

type ActionKind string

const (
	ActionForward   ActionKind = "forward"
	ActionTransform ActionKind = "transform"
	ActionAggregate ActionKind = "aggregate"
	ActionFilter    ActionKind = "filter"
	ActionLog       ActionKind = "log"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionForward, ActionTransform, ActionAggregate, ActionFilter, ActionLog:
		return true
	}
	return false
}

const (
	RuleErrorLogging    = "error-logging"
	RuleCriticalForward = "critical-forward"
)

// Match is a declarative condition. Every non-empty field must match; an
// empty Match matches every message.
type Match struct {
	Types      []a2a.MessageType `json:"types,omitempty" yaml:"types"`
	Priorities []a2a.Priority    `json:"priorities,omitempty" yaml:"priorities"`
	From       []string          `json:"from,omitempty" yaml:"from"`
	To         []string          `json:"to,omitempty" yaml:"to"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers"`
}

func (m *Match) Matches(msg *a2a.Message) bool {
	if m == nil {
		return true
	}
	if len(m.Types) > 0 && !containsValue(m.Types, msg.Type) {
		return false
	}
	if len(m.Priorities) > 0 && !containsValue(m.Priorities, msg.EffectivePriority()) {
		return false
	}
	if len(m.From) > 0 && !containsValue(m.From, msg.From) {
		return false
	}
	if len(m.To) > 0 {
		hit := false
		for _, to := range msg.To {
			if containsValue(m.To, to) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for k, v := range m.Headers {
		if msg.Headers[k] != v {
			return false
		}
	}
	return true
}

// Action is what a matching rule does to the message.
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	// forward: replaces the recipients. Empty means deliver as addressed and
	// exempt the message from later filter rules.
	ForwardTo []string `json:"forwardTo,omitempty" yaml:"forward_to"`

	// transform
	SetHeaders  map[string]string `json:"setHeaders,omitempty" yaml:"set_headers"`
	SetPriority a2a.Priority      `json:"setPriority,omitempty" yaml:"set_priority"`
	MergeBody   map[string]any    `json:"mergeBody,omitempty" yaml:"merge_body"`

	// filter
	Drop bool `json:"drop,omitempty" yaml:"drop"`

	// aggregate: "from", "type", "correlationId" or "header:<name>"
	GroupBy string `json:"groupBy,omitempty" yaml:"group_by"`

	// log
	Message string `json:"message,omitempty" yaml:"message"`
}

// Rule is evaluated against every routed message in descending priority.
type Rule struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Match    *Match `json:"match,omitempty" yaml:"match"`
	Action   Action `json:"action" yaml:"action"`
	Priority int    `json:"priority" yaml:"priority"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`

	// When, if set, replaces Match.
	When func(*a2a.Message) bool `json:"-" yaml:"-"`
}

func (r *Rule) matches(msg *a2a.Message) bool {
	if r.When != nil {
		return r.When(msg)
	}
	return r.Match.Matches(msg)
}

func (r *Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !r.Action.Kind.Valid() {
		return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action.Kind)
	}
	if p := r.Action.SetPriority; p != "" && !p.Valid() {
		return fmt.Errorf("rule %s: invalid priority %q", r.ID, p)
	}
	return nil
}

// DefaultRules returns the built-in rules every router starts with.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       RuleErrorLogging,
			Name:     "Log error messages",
			Match:    &Match{Types: []a2a.MessageType{a2a.TypeError}},
			Action:   Action{Kind: ActionLog, Message: "Error message routed"},
			Priority: 100,
			Enabled:  true,
		},
		{
			ID:       RuleCriticalForward,
			Name:     "Force-forward critical messages",
			Match:    &Match{Priorities: []a2a.Priority{a2a.PriorityCritical}},
			Action:   Action{Kind: ActionForward},
			Priority: 90,
			Enabled:  true,
		},
	}
}

// AddRule adds or replaces the rule with the same id.
func (r *Router) AddRule(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()

	replaced := false
	for i := range r.rules {
		if r.rules[i].ID == rule.ID {
			r.rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		r.rules = append(r.rules, rule)
	}
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority > r.rules[j].Priority })
	r.logger.Infof("Routing rule %s registered (action=%s, priority=%d)", rule.ID, rule.Action.Kind, rule.Priority)
	return nil
}

func (r *Router) RemoveRule(id string) bool {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	for i := range r.rules {
		if r.rules[i].ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			r.logger.Infof("Routing rule %s removed", id)
			return true
		}
	}
	return false
}

// Rules returns the rules in evaluation order.
func (r *Router) Rules() []Rule {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// ruleResult carries what rule evaluation decided beyond message mutation.
type ruleResult struct {
	applied []string
	forced  bool
	dropped string
}

func (r *Router) applyRules(msg *a2a.Message) ruleResult {
	var res ruleResult
	for _, rule := range r.Rules() {
		if !rule.Enabled || !r.ruleMatches(&rule, msg) {
			continue
		}
		switch rule.Action.Kind {
		case ActionForward:
			if len(rule.Action.ForwardTo) > 0 {
				msg.To = append(a2a.Recipients(nil), rule.Action.ForwardTo...)
			} else {
				res.forced = true
			}
		case ActionTransform:
			r.transform(msg, rule.Action)
		case ActionFilter:
			if rule.Action.Drop && !res.forced && res.dropped == "" {
				res.dropped = rule.ID
			}
		case ActionAggregate:
			r.aggregate(rule.ID, groupKey(msg, rule.Action.GroupBy))
		case ActionLog:
			text := rule.Action.Message
			if text == "" {
				text = "Routing rule matched"
			}
			r.messageLogger(msg).WithField("rule", rule.ID).Warn(text)
		}
		res.applied = append(res.applied, rule.ID)
		r.publish(ruleAppliedEvent(msg, rule))
	}
	return res
}

// ruleMatches evaluates a condition, treating a panicking predicate as no match.
func (r *Router) ruleMatches(rule *Rule, msg *a2a.Message) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("Routing rule %s condition panicked: %v", rule.ID, rec)
			ok = false
		}
	}()
	return rule.matches(msg)
}

func (r *Router) transform(msg *a2a.Message, action Action) {
	for k, v := range action.SetHeaders {
		msg.SetHeader(k, v)
	}
	if action.SetPriority != "" {
		msg.Priority = action.SetPriority
	}
	if len(action.MergeBody) == 0 || msg.Encryption != nil {
		return
	}
	body := map[string]any{}
	if msg.HasBody() {
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			r.logger.Debugf("Skipping body merge for %s: body is not an object", msg.ID)
			return
		}
	}
	for k, v := range action.MergeBody {
		body[k] = v
	}
	if encoded, err := json.Marshal(body); err == nil {
		msg.Body = encoded
	}
}

func (r *Router) aggregate(ruleID, key string) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	groups, ok := r.aggregates[ruleID]
	if !ok {
		groups = make(map[string]int64)
		r.aggregates[ruleID] = groups
	}
	groups[key]++
}

func groupKey(msg *a2a.Message, groupBy string) string {
	switch groupBy {
	case "", "from":
		return msg.From
	case "type":
		return string(msg.Type)
	case "correlationId":
		return msg.CorrelationID
	}
	if name, ok := strings.CutPrefix(groupBy, "header:"); ok {
		return msg.Headers[name]
	}
	return msg.From
}

func containsValue[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
