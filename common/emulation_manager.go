package common

import (
	"github.com/chromedp/cdproto/emulation"
)

// EmulationManager applies a viewport configuration to one target through
// device metrics and touch emulation overrides.
type EmulationManager struct {
	emulatingMobile bool
	hasTouch        bool
	// needsReload is set when an already loaded page must reload for the
	// new overrides to take effect.
	needsReload bool
}

// NewEmulationManager creates an emulation manager for one target.
func NewEmulationManager() *EmulationManager {
	return &EmulationManager{}
}

// initCommands returns the override sequence derived from the viewport.
func (m *EmulationManager) initCommands(viewport *Viewport) []chainCommand {
	orientation := &emulation.ScreenOrientation{
		Type:  emulation.OrientationTypePortraitPrimary,
		Angle: 0,
	}
	if viewport.IsLandscape {
		orientation = &emulation.ScreenOrientation{
			Type:  emulation.OrientationTypeLandscapePrimary,
			Angle: 90,
		}
	}

	scale := viewport.DeviceScaleFactor
	if scale == 0 {
		scale = 1
	}
	setMetrics := emulation.
		SetDeviceMetricsOverride(viewport.Width, viewport.Height, scale, viewport.IsMobile).
		WithScreenOrientation(orientation)
	setTouch := emulation.SetTouchEmulationEnabled(viewport.HasTouch)

	m.needsReload = m.emulatingMobile != viewport.IsMobile || m.hasTouch != viewport.HasTouch
	m.emulatingMobile = viewport.IsMobile
	m.hasTouch = viewport.HasTouch

	return []chainCommand{
		{method: emulation.CommandSetDeviceMetricsOverride, params: mustMarshal(setMetrics)},
		{method: emulation.CommandSetTouchEmulationEnabled, params: mustMarshal(setTouch)},
	}
}
