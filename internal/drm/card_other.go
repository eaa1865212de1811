//go:build !linux || !(amd64 || arm64)

package drm

import "github.com/bryanchriswhite/CamStreamer/internal/mediaerr"

// Open always fails outside 64-bit Linux.
func Open(path string) (Card, error) {
	return nil, mediaerr.Config("open "+path, "DRM display requires 64-bit linux")
}

// CardPaths finds nothing on this platform.
func CardPaths() []string { return nil }

// LogindSession is unavailable on this platform.
type LogindSession struct{}

// NewLogindSession always fails outside 64-bit Linux.
func NewLogindSession() (*LogindSession, error) {
	return nil, mediaerr.Config("logind", "logind device access requires 64-bit linux")
}

func (s *LogindSession) Open(path string) (Card, error) { return Open(path) }

func (s *LogindSession) Close() error { return nil }
