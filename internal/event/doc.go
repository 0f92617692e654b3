/*
Package event provides a type-safe pub/sub event system for the gateway.

The event system decouples the streaming handler, tool runtime, and
archival scheduler from the HTTP layer: publishers emit events without a
direct dependency on whoever reacts to them. Within this module only the
tests register subscribers.

# Architecture

The package is built on top of watermill's gochannel for infrastructure
while keeping direct-call semantics so subscribers receive concretely
typed Data payloads instead of re-decoding JSON.

# Event Types

  - message.created / message.updated / conversation.created /
    conversation.updated: payload types are defined, but no component
    publishes these events.
  - conversation.archived: LRU scheduler archive and restore actions.
  - tool.call.started / tool.call.completed: tool runtime activity,
    published by the tool executor.
  - agent_session.resumed / agent_session.round_completed: multi-agent
    checkpoint activity.
  - queue.admitted / queue.rejected: SSE admission decisions.
  - circuit.state_changed: per-tool circuit breaker transitions.

# Basic usage

	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Message: msg},
	})

	unsubscribe := event.Subscribe(event.MessageCreated, func(e event.Event) {
		data := e.Data.(event.MessageCreatedData)
		logging.Info().Str("messageId", data.Message.ID).Msg("message created")
	})
	defer unsubscribe()

# Subscriber safety

Publish calls subscribers asynchronously (one goroutine per subscriber);
PublishSync calls them synchronously in the publisher's goroutine.
Subscribers used with PublishSync must return quickly and must never
call Publish/PublishSync themselves.

# Thread safety

The bus is safe for concurrent publish and subscribe from multiple
goroutines.
*/
package event
