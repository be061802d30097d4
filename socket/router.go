package socket

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

type router struct {
	registry *registry
	logger   zerolog.Logger
	report   func(error)
}

func newRouter(reg *registry, logger zerolog.Logger, report func(error)) *router {
	return &router{
		registry: reg,
		logger:   logger.With().Str("component", "router").Logger(),
		report:   report,
	}
}

// route decodes one inbound frame and dispatches it. It returns the number of
// handlers that were invoked.
func (r *router) route(data []byte) int {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.malformed("", err)
		return 0
	}
	if err := f.validate(); err != nil {
		r.malformed(f.Topic, err)
		return 0
	}

	if !KnownEventType(f.Type) {
		r.logger.Debug().Str("topic", f.Topic).Str("type", string(f.Type)).Msg("Dropping event of unknown type")
		return 0
	}

	payload, err := decodePayload(f.Type, f.Payload)
	if err != nil {
		r.malformed(f.Topic, err)
		return 0
	}

	ev := Event{
		Topic: f.Topic,
		Type:  f.Type,
		Data:  payload,
		Raw:   f.Payload,
	}
	if f.Seq != nil {
		ev.Seq, ev.HasSeq = *f.Seq, true
	}

	subs, dup := r.registry.accept(ev.Topic, ev.Seq, ev.HasSeq)
	if dup {
		r.logger.Debug().Str("topic", ev.Topic).Uint64("seq", ev.Seq).Msg("Dropping duplicate event")
		return 0
	}
	if len(subs) == 0 {
		r.logger.Debug().Str("topic", ev.Topic).Msg("No subscribers for event")
		return 0
	}

	delivered := 0
	for _, sub := range subs {
		if !sub.Active() {
			continue
		}
		r.dispatch(sub, ev)
		delivered++
	}
	return delivered
}

func (r *router) dispatch(sub *Subscription, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlerFailed(sub, ev, fmt.Errorf("panic: %v", rec))
		}
	}()

	if err := sub.handler(ev); err != nil {
		r.handlerFailed(sub, ev, err)
	}
}

func (r *router) handlerFailed(sub *Subscription, ev Event, err error) {
	r.logger.Warn().Err(err).Str("topic", ev.Topic).Str("subscription", sub.id).Msg("Handler failed")
	r.report(&Error{Kind: HandlerError, Topic: ev.Topic, Action: string(ev.Type), Err: err})
}

func (r *router) malformed(topic string, err error) {
	r.logger.Warn().Err(err).Str("topic", topic).Msg("Dropping malformed frame")
	r.report(&Error{Kind: MalformedFrame, Topic: topic, Err: err})
}
