// Package heartbeat detects agents that have gone away.
//
// Agents publish a small JSON heartbeat on heartbeat.<agent-id> at a fixed
// interval. A Monitor subscribes to heartbeat.* and reports an agent dead
// once no heartbeat has arrived for the configured timeout. Liveness is
// judged by receipt time, so clock skew between hosts does not matter.
//
// Sending heartbeats from an agent:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    AgentID:  "player-1",
//	    Interval: 5 * time.Second,
//	})
//	sender.Start(ctx)
//	sender.SetStatus(heartbeat.StatusBusy)
//
// Watching from a directory or coordinator:
//
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Bus:     b,
//	    Timeout: 15 * time.Second,
//	})
//	monitor.OnDead(func(agentID string) { dir.Unregister(agentID) })
//	monitor.Start()
//
// Set the timeout to two or three heartbeat intervals. OnDead fires once
// per outage; an agent that resumes beating is reported again if it goes
// silent a second time.
package heartbeat
