package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
)

// dispatch delivers msg to every recipient concurrently and reports each
// outcome. Deliveries that succeeded are not undone when another fails.
func (r *Router) dispatch(ctx context.Context, msg *a2a.Message) *a2a.MessageReceipt {
	recipients := uniqueRecipients(msg.To)
	outcomes := make([]a2a.RecipientOutcome, len(recipients))

	var g errgroup.Group
	if r.cfg.MaxFanOut > 0 {
		g.SetLimit(r.cfg.MaxFanOut)
	}
	for i, id := range recipients {
		i, id := i, id
		g.Go(func() error {
			outcomes[i] = r.deliver(ctx, msg, id)
			return nil
		})
	}
	_ = g.Wait()

	now := r.clock.Now()
	receipt := &a2a.MessageReceipt{
		MessageID:  msg.ID,
		Status:     a2a.ReceiptCompleted,
		Timestamp:  now,
		Recipients: outcomes,
	}

	var failed []a2a.RecipientOutcome
	for _, o := range outcomes {
		if o.Status == a2a.ReceiptFailed {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return receipt
	}

	receipt.Status = a2a.ReceiptFailed
	first := failed[0].Error
	if len(outcomes) == 1 {
		receipt.Error = first
		return receipt
	}
	details := make([]string, 0, len(failed))
	for _, o := range failed {
		details = append(details, o.AgentID+": "+o.Error.Message)
	}
	receipt.Error = &a2a.ReceiptError{
		Code:      first.Code,
		Message:   fmt.Sprintf("%d of %d recipients failed: %s", len(failed), len(outcomes), strings.Join(details, "; ")),
		Timestamp: now,
	}
	return receipt
}

func (r *Router) deliver(ctx context.Context, msg *a2a.Message, recipient string) a2a.RecipientOutcome {
	start := r.clock.Now()
	outcome := a2a.RecipientOutcome{AgentID: recipient}

	var err error
	if agent, ok := r.localAgent(recipient); ok {
		outcome.Transport = a2a.TransportLocal
		err = r.deliverLocal(ctx, msg, agent)
	} else {
		var ep a2a.Endpoint
		ep, err = r.deliverRemote(ctx, msg, recipient)
		outcome.Transport, outcome.Endpoint = ep.Transport, ep.URL
	}
	elapsed := r.clock.Since(start)

	if err != nil {
		outcome.Status = a2a.ReceiptFailed
		outcome.Error = a2a.NewReceiptError(err, r.clock.Now())
		if !errors.Is(err, a2a.ErrAgentNotFound) {
			r.recordDelivery(recipient, false, elapsed)
		}
		r.publish(bus.Event{
			Type: bus.EventMessageFailed,
			Payload: map[string]interface{}{
				"messageId": msg.ID,
				"from":      msg.From,
				"recipient": recipient,
				"code":      string(outcome.Error.Code),
				"error":     err.Error(),
			},
		})
		return outcome
	}

	outcome.Status = a2a.ReceiptCompleted
	r.recordDelivery(recipient, true, elapsed)
	r.publish(bus.Event{
		Type: bus.EventMessageDelivered,
		Payload: map[string]interface{}{
			"messageId": msg.ID,
			"from":      msg.From,
			"recipient": recipient,
			"transport": string(outcome.Transport),
			"endpoint":  outcome.Endpoint,
			"latencyMs": elapsed.Milliseconds(),
		},
	})
	return outcome
}

func (r *Router) deliverLocal(ctx context.Context, msg *a2a.Message, agent *localAgent) (err error) {
	delivery := msg.Clone()
	if delivery.Encryption != nil && agent.privateKey != nil {
		if delivery, err = r.security.Decrypt(delivery, agent.privateKey); err != nil {
			return err
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("local handler panicked: %v", rec)
		}
	}()
	return agent.handler(ctx, delivery)
}

// deliverRemote resolves the recipient through discovery, encrypts for it
// when configured, and tries its endpoints in descending priority until one
// accepts the message.
func (r *Router) deliverRemote(ctx context.Context, msg *a2a.Message, recipient string) (a2a.Endpoint, error) {
	if r.discovery == nil {
		return a2a.Endpoint{}, fmt.Errorf("%w: %s", a2a.ErrAgentNotFound, recipient)
	}
	profile, err := r.discovery.FindAgent(ctx, recipient)
	if err != nil {
		if errors.Is(err, a2a.ErrAgentNotFound) {
			return a2a.Endpoint{}, err
		}
		return a2a.Endpoint{}, fmt.Errorf("%w: %s: %v", a2a.ErrAgentNotFound, recipient, err)
	}

	payload := msg.Clone()
	if r.cfg.EnableEncryption && profile.PublicKey != "" && payload.Encryption == nil {
		key, err := r.security.PublicKeyFromProfile(profile)
		if err != nil {
			return a2a.Endpoint{}, fmt.Errorf("%w: recipient key for %s: %v", a2a.ErrEncryptionFailed, recipient, err)
		}
		if payload, err = r.security.Encrypt(payload, key); err != nil {
			return a2a.Endpoint{}, err
		}
	}

	endpoints := profile.EndpointsByPriority()
	if len(endpoints) == 0 {
		return a2a.Endpoint{}, fmt.Errorf("%w: %s has no endpoints", a2a.ErrAllTransportsFailed, recipient)
	}

	var errs error
	for _, ep := range endpoints {
		if err := r.send(ctx, payload, ep); err != nil {
			r.messageLogger(msg).Warnf("Delivery to %s via %s (%s) failed: %v", recipient, ep.Transport, ep.URL, err)
			errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", ep.Transport, ep.URL, err))
			continue
		}
		return ep, nil
	}
	return a2a.Endpoint{}, fmt.Errorf("%w: %s: %v", a2a.ErrAllTransportsFailed, recipient, errs)
}

// send makes one endpoint attempt bounded by SendTimeout.
func (r *Router) send(ctx context.Context, msg *a2a.Message, ep a2a.Endpoint) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("transport panicked: %v", rec)
		}
	}()
	return r.transports.Send(ctx, ep.Transport, msg, ep.URL)
}

func uniqueRecipients(to a2a.Recipients) []string {
	out := make([]string, 0, len(to))
	for _, id := range to {
		if !containsValue(out, id) {
			out = append(out, id)
		}
	}
	return out
}
