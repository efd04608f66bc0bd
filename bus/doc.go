// Package bus provides message bus clients for agent-to-agent communication.
//
// # Implementations
//
//   - NATSBus: messaging over a NATS server, for agents in separate processes
//   - MemoryBus: in-process delivery, for tests and single-binary deployments
//
// # Subjects
//
// A2A traffic uses per-agent subjects:
//
//	a2a.<agent>.message   fire-and-forget messages
//	a2a.<agent>.request   requests, answered on the reply subject
//	heartbeat.<agent>     liveness beacons
//
// Subscriptions may use the NATS wildcards "*" and ">", so a monitor can
// watch every heartbeat with "heartbeat.*".
//
// # Request/Reply
//
//	// Responder
//	sub, _ := b.Subscribe(bus.RequestSubject("solver"))
//	for msg := range sub.Messages() {
//	    bus.Respond(b, msg, answer)
//	}
//
//	// Requester
//	reply, err := b.Request(bus.RequestSubject("solver"), data, timeout)
//
// Request returns ErrNoResponders when nobody listens on the subject, which
// the bus transport reports as an unreachable receiver.
package bus
