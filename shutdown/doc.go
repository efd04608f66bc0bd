// Package shutdown stops an A2A node in dependency order.
//
// Components register a ShutdownHandler in a phase. On Shutdown (or
// SIGTERM/SIGINT after HandleSignals) phases run from lowest to highest and
// handlers in the same phase run concurrently:
//
//	mgr := shutdown.NewManager(shutdown.DefaultConfig())
//	mgr.RegisterWithPhase("runtime", rt, shutdown.PhaseIntake)
//	mgr.RegisterWithPhase("heartbeat", sender, shutdown.PhaseCoordination)
//	mgr.RegisterWithPhase("archive", arch, shutdown.PhaseStorage)
//	mgr.RegisterWithPhase("telemetry", provider, shutdown.PhaseTelemetry)
//	mgr.HandleSignals()
//	<-mgr.Done()
//
// The runtime stops accepting traffic first, so nothing new reaches the
// coordinator, heartbeats or stores while they drain.
package shutdown
