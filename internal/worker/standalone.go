package worker

import "strings"

// Display modes in which the app runs as an installed app.
const (
	DisplayStandalone = "standalone"
	DisplayFullscreen = "fullscreen"
	DisplayMinimalUI  = "minimal-ui"
	DisplayBrowser    = "browser"
)

// Environment describes how the UI is hosted.
type Environment struct {
	DisplayMode string `json:"display_mode"`
	// HomeScreen is set when a platform reports a home-screen launch
	// without a display mode.
	HomeScreen bool `json:"home_screen"`
}

// IsStandalone reports whether the UI runs as an installed app.
func IsStandalone(env Environment) bool {
	if env.HomeScreen {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(env.DisplayMode)) {
	case DisplayStandalone, DisplayFullscreen, DisplayMinimalUI:
		return true
	}
	return false
}
