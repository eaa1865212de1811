package overlay

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
)

// Manager renders an ordered list of widgets. Widgets added later draw on
// top.
type Manager struct {
	mu      sync.RWMutex
	widgets []Widget
	enabled bool

	// frame rate tracking, guarded by mu
	lastTS time.Duration
	fps    float64
}

// NewManager creates an empty, enabled overlay manager
func NewManager() *Manager {
	return &Manager{enabled: true}
}

// NewDefaultManager returns a manager with the frame info line in the
// top-left corner.
func NewDefaultManager() *Manager {
	m := NewManager()
	_ = m.AddWidget(NewFrameInfoWidget("frame-info", 8, 8))
	return m
}

// AddWidget appends a widget to the top of the stack
func (m *Manager) AddWidget(widget Widget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.widgets {
		if w.ID() == widget.ID() {
			return fmt.Errorf("widget with ID %s already exists", widget.ID())
		}
	}
	m.widgets = append(m.widgets, widget)
	logger.WithComponent("overlay").Debug().Str("widget", widget.ID()).Msg("Added widget")
	return nil
}

// RemoveWidget removes a widget by ID
func (m *Manager) RemoveWidget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, w := range m.widgets {
		if w.ID() == id {
			m.widgets = append(m.widgets[:i], m.widgets[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("widget with ID %s not found", id)
}

// Widgets returns the widgets in draw order
func (m *Manager) Widgets() []Widget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Widget(nil), m.widgets...)
}

// SetEnabled enables or disables the entire overlay
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

// IsEnabled returns whether the overlay is enabled
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Observe feeds a frame's capture time into the rate estimate and
// returns the Info for it.
func (m *Manager) Observe(f *frame.Buffer) Info {
	ts := f.Time()

	m.mu.Lock()
	if m.lastTS > 0 && ts > m.lastTS {
		inst := float64(time.Second) / float64(ts-m.lastTS)
		if m.fps == 0 {
			m.fps = inst
		} else {
			m.fps = 0.9*m.fps + 0.1*inst
		}
	}
	m.lastTS = ts
	fps := m.fps
	m.mu.Unlock()

	return Info{
		Sequence:  f.Sequence,
		Timestamp: ts,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format.String(),
		FPS:       fps,
	}
}

// Render draws all enabled widgets onto img. A failing widget is logged
// and skipped.
func (m *Manager) Render(img *image.RGBA, info Info) {
	if !m.IsEnabled() {
		return
	}
	for _, widget := range m.Widgets() {
		if !widget.IsEnabled() {
			continue
		}
		if err := widget.Render(img, info); err != nil {
			logger.WithComponent("overlay").Warn().Err(err).Str("widget", widget.ID()).Msg("Failed to render widget")
		}
	}
}
