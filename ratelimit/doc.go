// Package ratelimit throttles A2A traffic with token buckets.
//
// Runtimes use a Limiter keyed by sender ID to refuse request floods, and
// the LLM action handler uses one keyed by provider to stay inside model
// quotas. A SharedLimiter spreads capacity reductions across every agent
// on the same bus:
//
//	limiter, err := ratelimit.NewSharedLimiter(ratelimit.SharedConfig{
//	    Bus:     nbus,
//	    AgentID: "white",
//	})
//	limiter.SetCapacity("llm:anthropic", 50, time.Minute)
//
//	// After a 429 from the provider:
//	limiter.Reduce("llm:anthropic", "429 from provider")
//
// Every limiter refills continuously at capacity/window tokens per second.
package ratelimit
