// Package protocol defines the A2A message model and its JSON wire format.
//
// Every message travels as a JSON object:
//
//	{
//	  "message_id":   "7c0e...",
//	  "message_type": "request",
//	  "sender_id":    "planner",
//	  "receiver_id":  "solver",
//	  "timestamp":    "2025-03-01T12:00:00.123Z",
//	  "payload":      {"action": "solve", "parameters": {"n": 3}},
//	  "metadata":     {}
//	}
//
// Request and Response are typed views. Their payloads are always derived
// from the typed fields by Message(), so a request's payload is
// {action, parameters} and a response's is {request_id, success, result,
// error}. A response correlates with its request through request_id, which
// holds the request's message_id.
package protocol
