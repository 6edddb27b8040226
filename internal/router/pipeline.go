package router

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
)

// RouteMessage runs msg through the routing pipeline and reports the outcome.
// It never panics; every failure is described by the receipt. The caller's
// message is not modified.
func (r *Router) RouteMessage(ctx context.Context, in *a2a.Message) (receipt *a2a.MessageReceipt) {
	r.routed.Add(1)
	if in == nil {
		return r.fail(&a2a.Message{}, "validate", fmt.Errorf("%w: message is nil", a2a.ErrInvalidFormat))
	}
	msg := in.Clone()

	defer func() {
		if rec := recover(); rec != nil {
			r.messageLogger(msg).Errorf("Routing panicked: %v", rec)
			receipt = r.fail(msg, "route", fmt.Errorf("routing panicked: %v", rec))
		}
	}()

	r.publish(messageEvent(bus.EventMessageReceived, msg))

	if err := r.validator.Validate(msg); err != nil {
		return r.fail(msg, "validate", err)
	}
	r.publish(messageEvent(bus.EventMessageValidated, msg))
	r.sessions.Touch(msg)

	// The queue slot is taken before verification so a message turned away
	// for capacity has not yet spent its nonce and can be resent unchanged.
	if err := r.reserve(msg); err != nil {
		return r.fail(msg, "enqueue", err)
	}
	defer r.dequeue(msg)

	verified, err := r.verify(ctx, msg)
	if err != nil {
		return r.fail(msg, "verify", err)
	}
	msg = verified
	r.admit(msg)

	result := r.applyRules(msg)
	if result.dropped != "" {
		return r.fail(msg, "rules", fmt.Errorf("%w: dropped by rule %s", a2a.ErrMessageFiltered, result.dropped))
	}
	routed := messageEvent(bus.EventMessageRouted, msg)
	routed.Payload["rules"] = result.applied
	r.publish(routed)

	receipt = r.dispatch(ctx, msg)
	if receipt.Status == a2a.ReceiptCompleted {
		r.delivered.Add(1)
		r.messageLogger(msg).Debug("Message delivered")
		if msg.RequiresAck {
			r.publish(bus.Event{
				Type: bus.EventMessageAcknowledged,
				Payload: map[string]interface{}{
					"messageId": msg.ID,
					"from":      msg.From,
					"receipt":   receipt,
				},
			})
		}
	} else {
		r.failed.Add(1)
		r.messageLogger(msg).WithField("code", receipt.Error.Code).Warnf("Delivery failed: %s", receipt.Error.Message)
	}
	return receipt
}

// verify checks the signature when one is present. An encrypted message
// addressed to a local agent whose key the router holds is decrypted first,
// since the signature covers the plaintext body; the decrypted copy is what
// continues through the pipeline.
func (r *Router) verify(ctx context.Context, msg *a2a.Message) (*a2a.Message, error) {
	if msg.Signature == nil {
		if r.cfg.RequireSignatures {
			return nil, fmt.Errorf("%w: message is not signed", a2a.ErrSignatureInvalid)
		}
		return msg, nil
	}

	candidate := msg
	if msg.Encryption != nil {
		if plain, ok := r.decryptForLocal(msg); ok {
			candidate = plain
		}
	}
	if !r.security.Verify(ctx, candidate) {
		return nil, fmt.Errorf("%w: signature from %s did not verify", a2a.ErrSignatureInvalid, msg.From)
	}
	r.messageLogger(msg).Debug("Signature verified")
	return candidate, nil
}

func (r *Router) decryptForLocal(msg *a2a.Message) (*a2a.Message, bool) {
	for _, to := range msg.To {
		agent, ok := r.localAgent(to)
		if !ok || agent.privateKey == nil {
			continue
		}
		if plain, err := r.security.Decrypt(msg, agent.privateKey); err == nil {
			return plain, true
		}
	}
	return nil, false
}

// reserve takes a pending-queue slot for msg, rejecting duplicates of a
// message already seen within its TTL or still in flight, and messages beyond
// queue capacity.
func (r *Router) reserve(msg *a2a.Message) error {
	key := msg.Key()
	now := r.clock.Now()

	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	if until, ok := r.seen.Get(key); ok && now.Before(until) {
		return fmt.Errorf("%w: %s already routed", a2a.ErrDuplicateMessage, key)
	}
	if _, inFlight := r.queue[key]; inFlight {
		return fmt.Errorf("%w: %s is in flight", a2a.ErrDuplicateMessage, key)
	}
	if len(r.queue) >= r.cfg.MaxQueueSize {
		return fmt.Errorf("%w: %d messages pending", a2a.ErrQueueFull, len(r.queue))
	}
	r.queue[key] = queuedMessage{msg: msg, enqueuedAt: now}
	return nil
}

// admit records a verified message in its slot and starts its duplicate
// window. Unverified messages never start one, so a forged copy cannot block
// the genuine message.
func (r *Router) admit(msg *a2a.Message) {
	key := msg.Key()
	now := r.clock.Now()

	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	if entry, ok := r.queue[key]; ok {
		entry.msg = msg
		r.queue[key] = entry
	}
	r.seen.Add(key, now.Add(r.duplicateWindow(msg)))
}

func (r *Router) dequeue(msg *a2a.Message) {
	r.queueMu.Lock()
	delete(r.queue, msg.Key())
	r.queueMu.Unlock()
}

func (r *Router) duplicateWindow(msg *a2a.Message) time.Duration {
	if msg.TTL != nil && *msg.TTL > 0 {
		return time.Duration(*msg.TTL) * time.Second
	}
	return r.cfg.MessageTimeout
}

// fail builds the failed receipt for a message that never reached delivery.
func (r *Router) fail(msg *a2a.Message, stage string, err error) *a2a.MessageReceipt {
	r.failed.Add(1)
	now := r.clock.Now()
	receipt := &a2a.MessageReceipt{
		MessageID: msg.ID,
		Status:    a2a.ReceiptFailed,
		Timestamp: now,
		Error:     a2a.NewReceiptError(err, now),
	}
	r.messageLogger(msg).WithFields(logrus.Fields{
		"stage": stage,
		"code":  receipt.Error.Code,
	}).Warnf("Message rejected: %v", err)

	r.publish(bus.Event{
		Type: bus.EventRoutingError,
		Payload: map[string]interface{}{
			"messageId": msg.ID,
			"from":      msg.From,
			"stage":     stage,
			"code":      string(receipt.Error.Code),
			"error":     err.Error(),
		},
	})
	return receipt
}

func messageEvent(t bus.EventType, msg *a2a.Message) bus.Event {
	return bus.Event{
		Type: t,
		Payload: map[string]interface{}{
			"messageId": msg.ID,
			"type":      string(msg.Type),
			"from":      msg.From,
			"to":        []string(msg.To),
			"priority":  string(msg.EffectivePriority()),
		},
	}
}

func ruleAppliedEvent(msg *a2a.Message, rule Rule) bus.Event {
	return bus.Event{
		Type: bus.EventRuleApplied,
		Payload: map[string]interface{}{
			"messageId": msg.ID,
			"ruleId":    rule.ID,
			"action":    string(rule.Action.Kind),
		},
	}
}
