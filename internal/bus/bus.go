// Package bus exposes the running daemon on D-Bus so desktop tools and the
// chatterfix CLI can read its status and change the threshold.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// D-Bus names.
const (
	BusName    = "org.chatterfix.Daemon1"
	Interface  = "org.chatterfix.Daemon1"
	ObjectPath = dbus.ObjectPath("/org/chatterfix/Daemon")

	errInvalidThreshold = Interface + ".Error.InvalidThreshold"
	errFailed           = Interface + ".Error.Failed"
)

// Threshold bounds accepted over the bus, in milliseconds.
const (
	MinThresholdMs = 1
	MaxThresholdMs = 1000
)

// ErrNameTaken is returned when another daemon owns BusName.
var ErrNameTaken = errors.New("bus: name already taken")

// Controller is the daemon side of the bus object.
type Controller interface {
	Status() Status
	SetThreshold(ctx context.Context, d time.Duration) error
}

// daemonObject is the exported object. Its methods run on godbus
// goroutines.
type daemonObject struct {
	ctl     Controller
	log     *slog.Logger
	timeout time.Duration
}

// Status returns the daemon status as a{sv}.
func (o *daemonObject) Status() (map[string]dbus.Variant, *dbus.Error) {
	return o.ctl.Status().Map(), nil
}

// SetThreshold changes the debounce threshold. Releases already held keep
// their deadline.
func (o *daemonObject) SetThreshold(ms uint32) *dbus.Error {
	if ms < MinThresholdMs || ms > MaxThresholdMs {
		return dbus.NewError(errInvalidThreshold, []any{
			fmt.Sprintf("threshold must be between %d and %d ms, got %d", MinThresholdMs, MaxThresholdMs, ms),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := o.ctl.SetThreshold(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return dbus.NewError(errFailed, []any{err.Error()})
	}
	o.log.Info("threshold changed over D-Bus", "threshold_ms", ms)
	return nil
}

func introspection(obj *daemonObject) *introspect.Node {
	return &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: introspect.Methods(obj),
			},
		},
	}
}

// Server owns the bus connection and name.
type Server struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// Connect opens a private connection to the "session" or "system" bus.
func Connect(bus string) (*dbus.Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch bus {
	case "", "session":
		conn, err = dbus.ConnectSessionBus()
	case "system":
		conn, err = dbus.ConnectSystemBus()
	default:
		return nil, fmt.Errorf("bus: unknown bus %q", bus)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s bus: %w", bus, err)
	}
	return conn, nil
}

// Serve claims BusName on bus and exports ctl.
func Serve(bus string, ctl Controller, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := Connect(bus)
	if err != nil {
		return nil, err
	}

	obj := &daemonObject{ctl: ctl, log: log, timeout: 2 * time.Second}
	if err := export(conn, obj); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, ErrNameTaken
	}

	log.Info("D-Bus service started", "bus", bus, "name", BusName)
	return &Server{conn: conn, log: log}, nil
}

func export(conn *dbus.Conn, obj *daemonObject) error {
	if err := conn.Export(obj, ObjectPath, Interface); err != nil {
		return fmt.Errorf("export %s: %w", Interface, err)
	}
	node := introspect.NewIntrospectable(introspection(obj))
	if err := conn.Export(node, ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}
	return nil
}

// Close releases the name and the connection.
func (s *Server) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	_, _ = s.conn.ReleaseName(BusName)
	return s.conn.Close()
}

// Client talks to a running daemon.
type Client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// Dial connects to the daemon on bus.
func Dial(bus string) (*Client, error) {
	conn, err := Connect(bus)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, obj: conn.Object(BusName, ObjectPath)}, nil
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var m map[string]dbus.Variant
	if err := c.obj.CallWithContext(ctx, Interface+".Status", 0).Store(&m); err != nil {
		return Status{}, fmt.Errorf("call Status: %w", err)
	}
	return StatusFromMap(m)
}

// SetThreshold changes the daemon's threshold.
func (c *Client) SetThreshold(ctx context.Context, ms uint32) error {
	if call := c.obj.CallWithContext(ctx, Interface+".SetThreshold", 0, ms); call.Err != nil {
		return fmt.Errorf("call SetThreshold: %w", call.Err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
