// Package host describes the narrow callback surface the netplay
// session calls into on the embedding application — settings, the GUI,
// audio muting, chat presentation, and loading-screen display (§1,
// §6). None of it is implemented here; Host is satisfied by whatever
// application embeds this module.
package host

// Host is the set of callbacks named in §6 ("Host callbacks
// consumed"), plus Mute for audio muting during replay. All of it runs on the single cooperative CPU thread
// (§5) — none of these may block indefinitely, since the session's
// only suspension points are Transport.Poll and the pacer's sleep.
type Host interface {
	// OnNetplayMessage surfaces a human-readable status line (chat,
	// connect/disconnect notices, timesync/desync warnings) for
	// display to the user.
	OnNetplayMessage(text string)

	// DisplayLoadingScreen shows or updates a loading overlay during
	// Resetting. progress is -1 when indeterminate.
	DisplayLoadingScreen(text string, progress int)

	// PumpMessagesOnCPUThread gives the host a chance to process its
	// own event queue (window messages, etc.) between netplay work.
	PumpMessagesOnCPUThread()

	// ReportErrorAsync routes a user-visible fatal or semi-fatal
	// error to the host's error presentation (§7: "User-visible
	// failures always route through Host.report_error_async").
	ReportErrorAsync(title, message string)

	// SetNetplaySettingsLayer installs or removes the settings
	// overlay described in §6 for the duration of a session. Called
	// with a non-nil overlay when a session becomes active and with
	// nil when it returns to Inactive.
	SetNetplaySettingsLayer(overlay *SettingsOverlay)

	// Mute requests the audio output be muted (true) or unmuted
	// (false). The Session Runner calls this on rewind entry/exit
	// (§4.3: "Audio is muted for the duration of replay").
	Mute(muted bool)
}

// SettingsOverlay is the fixed settings overlay applied for the
// duration of a netplay session, per §6.
type SettingsOverlay struct {
	ControllerType            string // Controller[i].Type
	RunaheadFrameCount        int    // Main.RunaheadFrameCount
	RewindEnable              bool   // Main.RewindEnable
	RecompilerBlockLinking    bool   // CPU.RecompilerBlockLinking
	SoftwareRendererReadbacks bool   // GPU.UseSoftwareRendererForReadbacks
}

// DefaultOverlay returns the exact overlay values named in §6.
func DefaultOverlay() SettingsOverlay {
	return SettingsOverlay{
		ControllerType:            "DigitalController",
		RunaheadFrameCount:        0,
		RewindEnable:              false,
		RecompilerBlockLinking:    false,
		SoftwareRendererReadbacks: true,
	}
}
