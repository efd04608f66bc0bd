// Package transport delivers A2A messages between agent runtimes.
//
// A Transport is bound to one Owner (an agent runtime) by Start. Inbound
// messages are decoded and handed to Owner.HandleMessage; for requests the
// returned response travels back to the sender. Outbound, SendMessage is
// fire-and-forget and SendRequest blocks until the correlated response
// arrives, the timeout elapses, or the connection fails.
//
// # Available Transports
//
//   - HTTPTransport: request/reply over HTTP, one endpoint per agent
//   - Gateway: several agents behind one HTTP listener at /agents/{id}
//   - WebSocketTransport: one persistent connection per peer, correlated by request_id
//   - BusTransport: NATS (or in-process) subjects a2a.<id>.message and a2a.<id>.request
//
// # Usage
//
//	t := transport.NewHTTPTransport(transport.HTTPConfig{ListenAddr: ":8081"})
//	if err := t.Start(ctx, runtime); err != nil {
//	    return err
//	}
//	defer t.Stop(context.Background())
//
//	resp, err := t.SendRequest(ctx, req, "peer", 5*time.Second)
//
// Delivery failures surface as *errors.Error with code TIMEOUT, TRANSPORT
// or UNREACHABLE. A response whose request_id does not match the request
// fails with PROTOCOL.
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. Inbound messages are
// dispatched on their own goroutine, so a handler may issue requests over
// the same transport.
package transport
