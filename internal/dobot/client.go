package dobot

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Port is the byte stream to one arm controller. go.bug.st/serial ports
// satisfy it; a read that times out returns (0, nil).
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Client issues request/response commands over a Port.
//
// Thread Safety: calls are serialised, so an emergency halt from another
// goroutine interleaves between the polls of a running move.
type Client struct {
	mu      sync.Mutex
	port    Port
	timeout time.Duration
}

// NewClient wraps an open port.
func NewClient(port Port, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultResponseTimeout
	}
	return &Client{port: port, timeout: timeout}
}

// Call sends a packet and waits for the controller's echo of the same command.
func (c *Client) Call(p Packet) (Packet, error) {
	frame, err := p.Encode()
	if err != nil {
		return Packet{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.port.SetReadTimeout(c.timeout); err != nil {
		return Packet{}, fmt.Errorf("setting read timeout: %w", err)
	}
	if _, err := c.port.Write(frame); err != nil {
		return Packet{}, fmt.Errorf("writing command %d: %w", p.ID, err)
	}

	for {
		resp, err := ReadPacket(c.port)
		if err != nil {
			return Packet{}, fmt.Errorf("reading response to %d: %w", p.ID, err)
		}
		if resp.ID == p.ID {
			return resp, nil
		}
		// Stale response from an earlier timed-out call.
	}
}

func (c *Client) queued(id byte, params []byte) (uint64, error) {
	resp, err := c.Call(Packet{ID: id, Write: true, Queued: true, Params: params})
	if err != nil {
		return 0, err
	}
	return queuedIndex(resp)
}

func (c *Client) immediate(id byte) error {
	_, err := c.Call(Packet{ID: id, Write: true})
	return err
}

// SetHomeParams queues the homing pose.
func (c *Client) SetHomeParams(p Pose) (uint64, error) {
	return c.queued(CmdSetHOMEParams, putFloats(p.X, p.Y, p.Z, p.R))
}

// SetPTPJointParams queues per-joint velocity and acceleration limits.
func (c *Client) SetPTPJointParams(velocity, acceleration [4]float64) (uint64, error) {
	params := putFloats(velocity[:]...)
	params = append(params, putFloats(acceleration[:]...)...)
	return c.queued(CmdSetPTPJointParams, params)
}

// SetPTPCommonParams queues the global velocity and acceleration ratios.
func (c *Client) SetPTPCommonParams(velocityRatio, accelerationRatio float64) (uint64, error) {
	return c.queued(CmdSetPTPCommonParams, putFloats(velocityRatio, accelerationRatio))
}

// MoveL queues a linear Cartesian move and returns its queue index.
func (c *Client) MoveL(x, y, z, r float64) (uint64, error) {
	return c.queued(CmdSetPTPCmd, ptpCmdParams(ModeMOVLXYZ, x, y, z, r))
}

// SetSuction queues a suction cup command and returns its queue index.
func (c *Client) SetSuction(enable bool) (uint64, error) {
	return c.queued(CmdSetEndEffectorSuctionCup, suctionParams(enable))
}

// StartExec starts executing the command queue.
func (c *Client) StartExec() error { return c.immediate(CmdQueuedCmdStartExec) }

// StopExec stops the queue after the current command.
func (c *Client) StopExec() error { return c.immediate(CmdQueuedCmdStopExec) }

// ForceStopExec stops the queue immediately, aborting the current command.
func (c *Client) ForceStopExec() error { return c.immediate(CmdQueuedCmdForceStopExec) }

// ClearQueue drops all queued commands.
func (c *Client) ClearQueue() error { return c.immediate(CmdQueuedCmdClear) }

// CurrentIndex returns the index of the command the controller is executing.
func (c *Client) CurrentIndex() (uint64, error) {
	resp, err := c.Call(Packet{ID: CmdGetQueuedCmdCurrentIndex})
	if err != nil {
		return 0, err
	}
	return queuedIndex(resp)
}

// WaitIndex starts the queue, polls until the controller has reached target
// and stops the queue again. It returns ErrHalted once halted is closed; the
// queue is left to the halting caller.
func (c *Client) WaitIndex(ctx context.Context, target uint64, poll time.Duration, halted <-chan struct{}) error {
	select {
	case <-halted:
		return ErrHalted
	default:
	}
	if err := c.StartExec(); err != nil {
		return err
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-halted:
			return ErrHalted
		default:
		}
		cur, err := c.CurrentIndex()
		if err != nil {
			return err
		}
		if cur >= target {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-halted:
			return ErrHalted
		case <-ticker.C:
		}
	}

	return c.StopExec()
}

// Close closes the underlying port.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}
