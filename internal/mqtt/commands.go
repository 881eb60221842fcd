package mqtt

import (
	"context"
	"fmt"
	"time"
)

type CommandType string

const (
	CommandRestartWorker CommandType = "restart_worker"
	CommandRecoverVoice  CommandType = "recover_voice"
)

type Command struct {
	Type     CommandType `json:"type"`
	Worker   string      `json:"worker"`
	IssuedAt time.Time   `json:"issued_at"`
}

func commandTopic(prefix, driverID string) string {
	return fmt.Sprintf("%s/drivers/%s/cmd", prefix, driverID)
}

// commandFor maps a worker action onto the device command type.
func commandFor(worker, action string) (Command, error) {
	cmd := Command{Worker: worker, IssuedAt: time.Now().UTC()}
	switch action {
	case "restart":
		cmd.Type = CommandRestartWorker
	case "recover_voice":
		cmd.Type = CommandRecoverVoice
	default:
		return Command{}, fmt.Errorf("unknown worker action %q", action)
	}
	return cmd, nil
}

// SendWorkerCommand asks the driver's device to act on one of its workers.
func (c *Client) SendWorkerCommand(ctx context.Context, worker, action string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd, err := commandFor(worker, action)
	if err != nil {
		return err
	}
	topic := commandTopic(c.cfg.TopicPrefix, c.driverID)

	c.log.Warn("Sending %s command for worker %s", cmd.Type, worker)

	if err := c.PublishJSON(ctx, topic, cmd); err != nil {
		return fmt.Errorf("failed to send %s command: %w", cmd.Type, err)
	}

	c.log.Info("Command %s sent for worker %s", cmd.Type, worker)
	return nil
}
