package main

import "sort"

// Event IDs known to the notifier
const (
	EventStartup                 = "startup"
	EventShutdown                = "shutdown"
	EventPrinterStateOperational = "printer_state_operational"
	EventPrinterStateError       = "printer_state_error"
	EventPrinterStateUnknown     = "printer_state_unknown"
	EventPrintingStarted         = "printing_started"
	EventPrintingPaused          = "printing_paused"
	EventPrintingResumed         = "printing_resumed"
	EventPrintingCancelled       = "printing_cancelled"
	EventPrintingDone            = "printing_done"
	EventPrintingFailed          = "printing_failed"
	EventPrintingProgress        = "printing_progress"
	EventBedCooled               = "bed_cooled"
	EventTransferStarted         = "transfer_started"
	EventTransferDone            = "transfer_done"
	EventTransferFailed          = "transfer_failed"
	EventFileUploaded            = "file_uploaded"
	EventTimelapseDone           = "timelapse_done"
	EventTimelapseFailed         = "timelapse_failed"
	EventTest                    = "test"
)

// Event categories, in display order
var Categories = []string{"system", "printer", "prints", "progress", "files", "timelapse"}

// EventConfig is the per-event notification configuration
type EventConfig struct {
	ID          string  `json:"id" yaml:"id" toml:"id"`
	Category    string  `json:"category" yaml:"category" toml:"category"`
	Name        string  `json:"name" yaml:"name" toml:"name"`
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Message     string  `json:"message" yaml:"message" toml:"message"`
	Media       string  `json:"media" yaml:"media" toml:"media"`
	PercentStep int     `json:"percent_step,omitempty" yaml:"percent_step,omitempty" toml:"percent_step,omitempty"`
	TimeStep    int     `json:"time_step,omitempty" yaml:"time_step,omitempty" toml:"time_step,omitempty"`
	HeightStep  float64 `json:"height_step,omitempty" yaml:"height_step,omitempty" toml:"height_step,omitempty"`
	Throttle    int     `json:"throttle,omitempty" yaml:"throttle,omitempty" toml:"throttle,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"`
}

// defaultEvents holds the factory configuration of every event
var defaultEvents = map[string]EventConfig{
	EventStartup: {
		Category: "system",
		Name:     "Startup",
		Enabled:  true,
		Media:    MediaNone,
		Message:  "⏰ I just woke up! What are we gonna print today?",
	},
	EventShutdown: {
		Category: "system",
		Name:     "Shutdown",
		Enabled:  true,
		Media:    MediaNone,
		Message:  "💤 Going to bed now!",
	},
	EventPrinterStateOperational: {
		Category: "printer",
		Name:     "Printer state : operational",
		Enabled:  true,
		Media:    MediaNone,
		Message:  "✅ Your printer is operational.",
	},
	EventPrinterStateError: {
		Category: "printer",
		Name:     "Printer state : error",
		Enabled:  true,
		Media:    MediaNone,
		Message:  "⚠️ Your printer is in an erroneous state.",
	},
	EventPrinterStateUnknown: {
		Category: "printer",
		Name:     "Printer state : unknown",
		Enabled:  true,
		Media:    MediaNone,
		Message:  "❔ Your printer is in an unknown state.",
	},
	EventPrintingStarted: {
		Category: "prints",
		Name:     "Printing process : started",
		Enabled:  true,
		Media:    MediaThumbnail,
		Message:  "🖨️ I've started printing **{name}**",
	},
	EventPrintingPaused: {
		Category: "prints",
		Name:     "Printing process : paused",
		Enabled:  true,
		Media:    MediaSnapshot,
		Message:  "⏸️ The printing was paused.",
	},
	EventPrintingResumed: {
		Category: "prints",
		Name:     "Printing process : resumed",
		Enabled:  true,
		Media:    MediaSnapshot,
		Message:  "▶️ The printing was resumed.",
	},
	EventPrintingCancelled: {
		Category: "prints",
		Name:     "Printing process : cancelled",
		Enabled:  true,
		Media:    MediaSnapshot,
		Message:  "🛑 The printing was stopped.",
	},
	EventPrintingDone: {
		Category: "prints",
		Name:     "Printing process : done",
		Enabled:  true,
		Media:    MediaSnapshot,
		Message:  "👍 Printing is done! Took about {time_formatted}",
	},
	EventPrintingFailed: {
		Category: "prints",
		Name:     "Printing process : failed",
		Enabled:  true,
		Media:    MediaSnapshot,
		Message:  "👎 Printing has failed! :(",
	},
	EventPrintingProgress: {
		Category:    "progress",
		Name:        "Printing progress",
		Enabled:     true,
		Media:       MediaSnapshot,
		Message:     "📢 Printing is at {progress}%",
		PercentStep: 10,
	},
	EventBedCooled: {
		Category:    "prints",
		Name:        "Printing process : bed cooled",
		Enabled:     true,
		Media:       MediaNone,
		Message:     "❄️ The print bed is cool!",
		Temperature: 30,
	},
	EventTransferStarted: {
		Category: "files",
		Name:     "Transfer : started",
		Enabled:  false,
		Media:    MediaNone,
		Message:  "📤 Transfer of {remote} started.",
	},
	EventTransferDone: {
		Category: "files",
		Name:     "Transfer : done",
		Enabled:  true,
		Media:    MediaNone,
		Message:  "💾 {remote} was transferred in {time_formatted}.",
	},
	EventTransferFailed: {
		Category: "files",
		Name:     "Transfer : failed",
		Enabled:  true,
		Media:    MediaNone,
		Message:  "❌ Transfer of {remote} failed.",
	},
	EventFileUploaded: {
		Category: "files",
		Name:     "File uploaded",
		Enabled:  true,
		Media:    MediaThumbnail,
		Message:  "📁 {name} was uploaded.",
	},
	EventTimelapseDone: {
		Category: "timelapse",
		Name:     "Timelapse : rendered",
		Enabled:  true,
		Media:    MediaTimelapse,
		Message:  "🎥 Timelapse {movie_basename} is ready.",
	},
	EventTimelapseFailed: {
		Category: "timelapse",
		Name:     "Timelapse : failed",
		Enabled:  true,
		Media:    MediaNone,
		Message:  "🎞️ Rendering timelapse {movie_basename} failed (code {returncode}).",
	},
	// Not a real event, but it is treated as one
	EventTest: {
		Category: "test",
		Name:     "Test message",
		Enabled:  true,
		Media:    MediaSnapshot,
		Message:  "Hello hello! If you see this message, it means that the settings are correct!",
	},
}

// DefaultEventConfig returns the factory configuration for an event
func DefaultEventConfig(eventID string) (EventConfig, bool) {
	cfg, ok := defaultEvents[eventID]
	if !ok {
		return EventConfig{}, false
	}
	cfg.ID = eventID
	return cfg, true
}

// IsKnownEvent reports whether eventID is part of the event catalog
func IsKnownEvent(eventID string) bool {
	_, ok := defaultEvents[eventID]
	return ok
}

// EventIDs returns every known event ID sorted by category order, then ID
func EventIDs() []string {
	order := make(map[string]int, len(Categories))
	for i, c := range Categories {
		order[c] = i
	}
	ids := make([]string, 0, len(defaultEvents))
	for id := range defaultEvents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := defaultEvents[ids[i]].Category, defaultEvents[ids[j]].Category
		oi, okI := order[ci]
		oj, okJ := order[cj]
		if !okI {
			oi = len(Categories)
		}
		if !okJ {
			oj = len(Categories)
		}
		if oi != oj {
			return oi < oj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// IsValidMedia reports whether kind is a selectable media type
func IsValidMedia(kind string) bool {
	switch kind {
	case MediaNone, MediaSnapshot, MediaThumbnail, MediaTimelapse:
		return true
	}
	return false
}

// hostEventMap maps host event names to event IDs for events that need no payload inspection
var hostEventMap = map[string]string{
	"Startup":         EventStartup,
	"Shutdown":        EventShutdown,
	"PrintStarted":    EventPrintingStarted,
	"PrintPaused":     EventPrintingPaused,
	"PrintResumed":    EventPrintingResumed,
	"PrintCancelled":  EventPrintingCancelled,
	"PrintDone":       EventPrintingDone,
	"PrintFailed":     EventPrintingFailed,
	"PrintProgress":   EventPrintingProgress,
	"TransferStarted": EventTransferStarted,
	"TransferDone":    EventTransferDone,
	"TransferFailed":  EventTransferFailed,
	"Upload":          EventFileUploaded,
	"MovieDone":       EventTimelapseDone,
	"MovieFailed":     EventTimelapseFailed,
}

// printerStateEvents maps PrinterStateChanged state_id values to event IDs
var printerStateEvents = map[string]string{
	HostStateOperational: EventPrinterStateOperational,
	HostStateError:       EventPrinterStateError,
	HostStateUnknown:     EventPrinterStateUnknown,
}
