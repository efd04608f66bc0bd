// Package agent provides the A2A agent runtime.
//
// A Runtime owns an identity, a capability advertisement, a table of action
// handlers and per-kind message handlers, and an optional Transport. It is
// the transport.Owner its transport delivers to.
//
// # Dispatch
//
// For every inbound message the runtime first runs the message handlers
// registered for its kind, in registration order. A failing or panicking
// message handler is logged and skipped. Request-kind messages are then
// dispatched to the action handler registered for the request's action:
//
//   - handler returns a value: success response carrying it
//   - handler returns an error or panics: failure response with the error text
//   - no handler: failure response "Unknown action: <action>"
//
// Every runtime answers the built-in "capabilities" action with its own
// advertisement, which Discover uses to learn about peers.
//
// # Usage
//
//	rt := agent.New(agent.Config{
//	    ID:           "player-1",
//	    Name:         "Player One",
//	    Capabilities: []string{"game"},
//	    Transport:    transport.NewHTTPTransport(transport.HTTPConfig{ListenAddr: ":8081"}),
//	})
//	rt.RegisterActionFunc("move", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
//	    return map[string]interface{}{"move": "e4"}, nil
//	})
//	if err := rt.Start(ctx); err != nil {
//	    return err
//	}
//	defer rt.Stop(context.Background())
//
// # Thread Safety
//
// Handler tables are guarded by a RWMutex; registration may happen while
// messages are being dispatched.
package agent
