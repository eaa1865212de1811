//go:build linux && (amd64 || arm64)

package drm

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

// logind D-Bus constants
const (
	logindService      = "org.freedesktop.login1"
	logindPath         = "/org/freedesktop/login1"
	logindManagerIface = "org.freedesktop.login1.Manager"
	logindSessionIface = "org.freedesktop.login1.Session"
)

// LogindSession borrows device file descriptors from systemd-logind so
// the display can be driven from an unprivileged seat session.
type LogindSession struct {
	conn    *dbus.Conn
	session dbus.BusObject
	path    dbus.ObjectPath
}

// NewLogindSession takes control of the caller's logind session.
func NewLogindSession() (*LogindSession, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	log := logger.WithComponent("logind")

	var path dbus.ObjectPath
	mgr := conn.Object(logindService, logindPath)
	if err := mgr.Call(logindManagerIface+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path); err != nil {
		log.Debug().Err(err).Msg("No session for PID, falling back to auto session")
		path = logindPath + "/session/auto"
	}

	s := &LogindSession{
		conn:    conn,
		session: conn.Object(logindService, path),
		path:    path,
	}

	if err := s.session.Call(logindSessionIface+".TakeControl", 0, false).Err; err != nil {
		conn.Close()
		return nil, mediaerr.Errorf(mediaerr.ErrDevice, "logind TakeControl",
			"session %s refused control (is another compositor running?): %w", path, err)
	}

	log.Info().Str("session", string(path)).Msg("Took control of logind session")
	return s, nil
}

// Open returns a Card backed by a descriptor from TakeDevice. Closing the
// card releases the device back to logind.
func (s *LogindSession) Open(path string) (Card, error) {
	major, minor, err := DeviceNumber(path)
	if err != nil {
		return nil, err
	}

	var fd dbus.UnixFD
	var inactive bool
	call := s.session.Call(logindSessionIface+".TakeDevice", 0, major, minor)
	if call.Err != nil {
		return nil, mediaerr.Errorf(mediaerr.ErrDevice, "logind TakeDevice", "%s: %w", path, call.Err)
	}
	if err := call.Store(&fd, &inactive); err != nil {
		return nil, mediaerr.Errorf(mediaerr.ErrDevice, "logind TakeDevice", "%s: %w", path, err)
	}
	if inactive {
		logger.WithComponent("logind").Warn().Str("device", path).Msg("Session is inactive; display updates may be ignored")
	}

	release := func() error {
		return s.session.Call(logindSessionIface+".ReleaseDevice", 0, major, minor).Err
	}
	return fromFD(path, int(fd), release), nil
}

// Close gives control of the session back and drops the bus connection.
func (s *LogindSession) Close() error {
	s.session.Call(logindSessionIface+".ReleaseControl", 0)
	return s.conn.Close()
}
