package dobot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	defaultBaudRate        = 115200
	defaultResponseTimeout = 500 * time.Millisecond
	defaultQueuePoll       = 100 * time.Millisecond
)

// Link errors.
var (
	ErrNotAcquired     = errors.New("dobot: link not acquired")
	ErrUnknownActuator = errors.New("dobot: unknown actuator")
	ErrHalted          = errors.New("dobot: arm halted")
)

// Pose is a Cartesian pose: x, y, z in millimetres, r in degrees.
type Pose struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
	R float64 `yaml:"r" json:"r"`
}

// PortOptions describes the serial line settings.
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate" json:"baud_rate"`
	DataBits int    `yaml:"data_bits" json:"data_bits"`
	StopBits int    `yaml:"stop_bits" json:"stop_bits"`
	Parity   string `yaml:"parity" json:"parity"`
}

// SerialMode validates the options, applies 115200 8N1 defaults and converts
// them to a go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = defaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}

	mode := &serial.Mode{BaudRate: o.BaudRate, DataBits: o.DataBits}

	switch o.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}

	switch strings.ToUpper(strings.TrimSpace(o.Parity)) {
	case "", "N", "NONE":
		mode.Parity = serial.NoParity
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}

	return mode, nil
}

// Config describes one arm.
type Config struct {
	ID     string
	Port   string
	Serial PortOptions
	Home   Pose

	// JointVelocity and JointAcceleration are per-joint PTP limits.
	JointVelocity     [4]float64
	JointAcceleration [4]float64

	// VelocityRatio and AccelerationRatio are global PTP percentages.
	VelocityRatio     float64
	AccelerationRatio float64

	QueuePoll       time.Duration
	ResponseTimeout time.Duration
}

// Opener opens the port at path.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial port.
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// Logger defines the logging interface used by links.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Session is an acquired link. It is only valid until Release.
//
// Once the arm is halted every pending and later motion on the session
// returns ErrHalted, so the step holding it unwinds and releases the link.
type Session struct {
	client *Client
	poll   time.Duration

	haltOnce sync.Once
	halted   chan struct{}
}

func newSession(client *Client, poll time.Duration) *Session {
	return &Session{client: client, poll: poll, halted: make(chan struct{})}
}

func (s *Session) halt() {
	s.haltOnce.Do(func() { close(s.halted) })
}

// Halted reports whether the arm was halted while the session was held.
func (s *Session) Halted() bool {
	select {
	case <-s.halted:
		return true
	default:
		return false
	}
}

// MoveTo queues a linear move and waits until the arm has executed it.
func (s *Session) MoveTo(ctx context.Context, x, y, z, r float64) error {
	if s.Halted() {
		return ErrHalted
	}
	idx, err := s.client.MoveL(x, y, z, r)
	if err != nil {
		return err
	}
	return s.client.WaitIndex(ctx, idx, s.poll, s.halted)
}

// Suction switches the suction cup and waits until it has been applied.
func (s *Session) Suction(ctx context.Context, enable bool) error {
	if s.Halted() {
		return ErrHalted
	}
	idx, err := s.client.SetSuction(enable)
	if err != nil {
		return err
	}
	return s.client.WaitIndex(ctx, idx, s.poll, s.halted)
}

// Link is the exclusive connection to one arm.
//
// Acquire and Release bracket a step program; only one holder at a time.
// Halt may be called at any time from any goroutine and never opens the port
// while someone else owns it.
type Link struct {
	cfg    Config
	open   Opener
	owner  chan struct{} // capacity 1; holds a token while the port is open
	logger Logger

	mu          sync.Mutex
	session     *Session
	haltPending bool // halt requested while an Acquire was still connecting
	halting     bool // a short-lived halt owns the port
}

// NewLink creates a link. A nil opener uses OpenSerial.
func NewLink(cfg Config, open Opener, logger Logger) *Link {
	if open == nil {
		open = OpenSerial
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.QueuePoll <= 0 {
		cfg.QueuePoll = defaultQueuePoll
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	return &Link{
		cfg:    cfg,
		open:   open,
		owner:  make(chan struct{}, 1),
		logger: logger,
	}
}

// ID returns the actuator id.
func (l *Link) ID() string { return l.cfg.ID }

func (l *Link) connect() (*Client, error) {
	mode, err := l.cfg.Serial.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.cfg.ID, err)
	}
	port, err := l.open(l.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("%s: opening %s: %w", l.cfg.ID, l.cfg.Port, err)
	}
	return NewClient(port, l.cfg.ResponseTimeout), nil
}

// Acquire takes exclusive ownership of the arm, opens the port and applies
// the motion parameters. It waits for a current holder to release, or until
// ctx is done.
func (l *Link) Acquire(ctx context.Context) (*Session, error) {
	select {
	case l.owner <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: waiting for link: %w", l.cfg.ID, ctx.Err())
	}

	client, err := l.connect()
	if err != nil {
		l.abandon()
		return nil, err
	}
	if err := l.configure(client); err != nil {
		_ = client.Close()
		l.abandon()
		return nil, fmt.Errorf("%s: configuring: %w", l.cfg.ID, err)
	}

	l.mu.Lock()
	if l.haltPending {
		l.haltPending = false
		err := l.stop(client)
		_ = client.Close()
		<-l.owner
		l.mu.Unlock()
		return nil, errors.Join(fmt.Errorf("%s: %w during connect", l.cfg.ID, ErrHalted), err)
	}
	s := newSession(client, l.cfg.QueuePoll)
	l.session = s
	l.mu.Unlock()

	l.logger.Debug("link acquired", "actuator", l.cfg.ID, "port", l.cfg.Port)
	return s, nil
}

// abandon gives up ownership after a failed Acquire. A halt requested
// meanwhile is dropped: the arm was never reached.
func (l *Link) abandon() {
	l.mu.Lock()
	l.haltPending = false
	<-l.owner
	l.mu.Unlock()
}

func (l *Link) configure(c *Client) error {
	if err := c.ClearQueue(); err != nil {
		return err
	}
	if _, err := c.SetHomeParams(l.cfg.Home); err != nil {
		return err
	}
	if _, err := c.SetPTPJointParams(l.cfg.JointVelocity, l.cfg.JointAcceleration); err != nil {
		return err
	}
	_, err := c.SetPTPCommonParams(l.cfg.VelocityRatio, l.cfg.AccelerationRatio)
	return err
}

// Release closes the port and gives up ownership.
func (l *Link) Release() error {
	l.mu.Lock()
	s := l.session
	if s == nil {
		l.mu.Unlock()
		return ErrNotAcquired
	}
	l.session = nil
	err := s.client.Close()
	<-l.owner
	l.mu.Unlock()

	l.logger.Debug("link released", "actuator", l.cfg.ID)
	return err
}

// Held reports whether a step currently owns the link.
func (l *Link) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session != nil
}

// Halt clears the command queue and force-stops the arm.
//
// When a step holds the link, Halt uses its session and fails the step's
// pending motion with ErrHalted. When the link is idle it takes ownership and
// opens the port briefly. When an Acquire is still connecting, the halt is
// applied by that Acquire as soon as the port is configured.
func (l *Link) Halt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	s := l.session
	if s == nil {
		if l.halting {
			l.mu.Unlock()
			return nil
		}
		select {
		case l.owner <- struct{}{}:
			l.halting = true
		default:
			l.haltPending = true
			l.mu.Unlock()
			l.logger.Warn("halt deferred until link is connected", "actuator", l.cfg.ID)
			return nil
		}
	}
	l.mu.Unlock()

	if s != nil {
		s.halt()
		if err := l.stop(s.client); err != nil {
			return err
		}
		l.logger.Warn("arm halted", "actuator", l.cfg.ID)
		return nil
	}

	defer func() {
		l.mu.Lock()
		l.halting = false
		<-l.owner
		l.mu.Unlock()
	}()
	c, err := l.connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	if err := l.stop(c); err != nil {
		return err
	}
	l.logger.Warn("arm halted", "actuator", l.cfg.ID)
	return nil
}

func (l *Link) stop(c *Client) error {
	errClear := c.ClearQueue()
	errStop := c.ForceStopExec()
	if err := errors.Join(errClear, errStop); err != nil {
		return fmt.Errorf("%s: halt: %w", l.cfg.ID, err)
	}
	return nil
}

// Pool groups the links of all arms by actuator id.
type Pool struct {
	links map[string]*Link
}

// NewPool creates a pool from the given links.
func NewPool(links ...*Link) *Pool {
	p := &Pool{links: make(map[string]*Link, len(links))}
	for _, l := range links {
		p.links[l.ID()] = l
	}
	return p
}

// Link returns the link for an actuator.
func (p *Pool) Link(id string) (*Link, error) {
	l, ok := p.links[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActuator, id)
	}
	return l, nil
}

// Acquire acquires the link of one actuator.
func (p *Pool) Acquire(ctx context.Context, id string) (*Session, error) {
	l, err := p.Link(id)
	if err != nil {
		return nil, err
	}
	return l.Acquire(ctx)
}

// Release releases the link of one actuator.
func (p *Pool) Release(id string) error {
	l, err := p.Link(id)
	if err != nil {
		return err
	}
	return l.Release()
}

// Halt halts one actuator.
func (p *Pool) Halt(ctx context.Context, id string) error {
	l, err := p.Link(id)
	if err != nil {
		return err
	}
	return l.Halt(ctx)
}

// IDs returns the actuator ids in the pool.
func (p *Pool) IDs() []string {
	ids := make([]string, 0, len(p.links))
	for id := range p.links {
		ids = append(ids, id)
	}
	return ids
}
