/*
Package event provides a type-safe, pub/sub event system for the runtime.

The event system enables decoupled communication between the Agent Runtime,
Session & Lock Manager, and Cognitive Memory components by allowing
publishers to emit events and subscribers to react to them without direct
dependencies.

# Architecture

The package is built on top of watermill's gochannel for infrastructure while
maintaining direct-call semantics to preserve type information. It provides
both synchronous and asynchronous event publishing patterns.

# Event Types

The system supports various event categories:

Session Events:
  - session.created: New session opened
  - session.suspended: Session parked without discarding its journal
  - session.merged: Session committed and merged into its parent workspace
  - session.aborted: Session discarded

Lock Events:
  - lock.acquired: A lock was granted
  - lock.released: A lock was released
  - lock.deadlock: The wait-for graph detector picked a victim

Agent Events:
  - agent.spawned: A new agent process started
  - agent.terminated: An agent process exited or was killed
  - task.completed: A delegated task finished successfully
  - task.failed: A delegated task failed

Memory Events:
  - memory.consolidated: A consolidation pass finished

File Events:
  - file.edited: A VFS path was modified

# Basic Usage

Publishing events:

	// Asynchronous publishing (non-blocking)
	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{SessionID: sess.ID},
	})

	// Synchronous publishing (blocking until all subscribers complete)
	event.PublishSync(event.Event{
		Type: event.TaskCompleted,
		Data: event.TaskOutcomeData{AgentID: agentID, Outcome: types.TaskSuccess},
	})

Subscribing to specific events:

	unsubscribe := event.Subscribe(event.SessionCreated, func(e event.Event) {
		data := e.Data.(event.SessionCreatedData)
		log.Info("session opened", "id", data.SessionID)
	})
	defer unsubscribe()

Subscribing to all events:

	unsubscribe := event.SubscribeAll(func(e event.Event) {
		log.Debug("Event received", "type", e.Type)
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

When using PublishSync, subscribers are called synchronously in the publisher's
goroutine. To avoid blocking or deadlocks, subscribers MUST:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no re-entrant publishing)
  - Never acquire locks that the publisher might hold

Example of a safe subscriber:

	event.SubscribeAll(func(e event.Event) {
	    select {
	    case eventChan <- e:
	        // Event sent successfully
	    default:
	        // Channel full, drop event to avoid blocking
	        log.Warn("Event dropped due to full channel", "type", e.Type)
	    }
	})

# Custom Event Bus

For testing or isolation, you can create custom bus instances:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionCreated, handler)
	bus.PublishSync(event.Event{Type: event.SessionCreated, Data: data})

# Testing

The package provides utilities for testing:

	// Reset global bus state (use in test cleanup)
	event.Reset()

# Thread Safety

The event bus is thread-safe and can be used concurrently from multiple goroutines.
Both publishing and subscribing operations are protected by internal synchronization.

# Performance Considerations

- Asynchronous publishing (Publish) creates a goroutine per subscriber per event
- Synchronous publishing (PublishSync) calls all subscribers in the current goroutine
- Use PublishSync for critical events where ordering matters
- Use Publish for fire-and-forget notifications
- Consider subscriber performance impact on PublishSync calls

# Integration with Watermill

The package uses watermill's gochannel internally, providing access to the underlying
pubsub infrastructure for advanced use cases:

	pubsub := event.PubSub()
	// Use watermill features like middleware, routing, etc.

This allows future migration to distributed message brokers if needed while maintaining
the current API.
*/
package event
