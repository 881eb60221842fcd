package mqtt

import (
	"time"

	"DriverSafetyCore/internal/models"
)

// Status reports the broker connection and the topics that will be restored
// on reconnect.
func (c *Client) Status() models.BrokerStatus {
	connected := c.IsConnected()

	c.mu.RLock()
	defer c.mu.RUnlock()

	status := models.BrokerStatus{
		Connected:     connected,
		LastConnected: c.lastConnected,
		Subscriptions: len(c.handlers),
	}
	if !connected && !c.lastDisconnect.IsZero() {
		status.LastDisconnect = c.lastDisconnect
		status.DownFor = time.Since(c.lastDisconnect).Round(time.Second).String()
	}
	return status
}
