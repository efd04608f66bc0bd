package directory

import (
	"github.com/vinayprograms/agentbeats/heartbeat"
	"github.com/vinayprograms/agentbeats/logging"
)

// EvictDead unregisters agents from dir when monitor presumes them dead.
// The monitor must be started separately.
func EvictDead(dir Directory, monitor *heartbeat.Monitor, logger *logging.Logger) {
	if logger == nil {
		logger = logging.New().WithComponent("directory")
	}
	monitor.OnDead(func(agentID string) {
		if _, err := dir.Get(agentID); err != nil {
			return
		}
		if err := dir.Unregister(agentID); err != nil {
			logger.Warn("failed to evict dead agent", map[string]interface{}{
				"agent_id": agentID,
				"error":    err.Error(),
			})
			return
		}
		logger.Info("evicted dead agent", map[string]interface{}{"agent_id": agentID})
	})
}
