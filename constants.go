package main

// PrusaLink printer states
const (
	StateIdle      = "IDLE"
	StateReady     = "READY"
	StateBusy      = "BUSY"
	StatePrinting  = "PRINTING"
	StatePaused    = "PAUSED"
	StateFinished  = "FINISHED"
	StateStopped   = "STOPPED"
	StateError     = "ERROR"
	StateAttention = "ATTENTION"
	StateOffline   = "offline"
)

// Host printer state identifiers carried by PrinterStateChanged
const (
	HostStateOperational = "OPERATIONAL"
	HostStateError       = "ERROR"
	HostStateUnknown     = "UNKNOWN"
)

// Default configuration values
const (
	DefaultWebPort       = "5000"
	DefaultPollInterval  = 10
	DefaultDBFileName    = "octorant.db"
	DefaultRatePerSecond = 2.5
	DefaultRateBurst     = 5
	DefaultMaxMediaSize  = 8 * 1024 * 1024

	// Thumbnails sit in the file header, the rest of a big print is not needed
	DefaultMaxGcodeDownload = 4 * 1024 * 1024
)

// Database configuration keys
const (
	ConfigKeyURL           = "url"
	ConfigKeyUsername      = "username"
	ConfigKeyAvatar        = "avatar"
	ConfigKeyThreadID      = "thread_id"
	ConfigKeyAllowScripts  = "allow_scripts"
	ConfigKeyScriptBefore  = "script_before"
	ConfigKeyScriptAfter   = "script_after"
	ConfigKeySnapshotURL   = "webcam_snapshot"
	ConfigKeyFlipH         = "webcam_flip_h"
	ConfigKeyFlipV         = "webcam_flip_v"
	ConfigKeyRotate90      = "webcam_rotate90"
	ConfigKeyUploadsDir    = "uploads_dir"
	ConfigKeyTimelapseDir  = "timelapse_dir"
	ConfigKeyMaxMediaSize  = "max_media_size"
	ConfigKeyPollInterval  = "poll_interval"
	ConfigKeyWebPort       = "web_port"
	ConfigKeyRatePerSecond = "rate_per_second"
	ConfigKeyLogLevel      = "log_level"
)

// HTTP timeouts
const (
	PrusaLinkTimeout             = 10  // seconds
	PrusaLinkFileDownloadTimeout = 300 // seconds for file downloads (USB storage can be slow)
	WebhookTimeout               = 60  // seconds
	SnapshotTimeout              = 10  // seconds
	ScriptTimeout                = 30  // seconds
)

// Media kinds selectable per event
const (
	MediaNone      = "none"
	MediaSnapshot  = "snapshot"
	MediaThumbnail = "thumbnail"
	MediaTimelapse = "timelapse"
)

// Delivery outcomes recorded in the notification history
const (
	StatusQueued      = "queued"
	StatusSent        = "sent"
	StatusDropped     = "dropped"
	StatusFailed      = "failed"
	StatusRateLimited = "rate_limited"
)

// Printer model detection patterns
const (
	ModelCorePattern = "core"
	ModelXLPattern   = "xl"
	ModelMK4Pattern  = "mk4"
	ModelMK3Pattern  = "mk3"
	ModelMiniPattern = "mini"
)

// Printer model names
const (
	ModelCoreOne  = "CORE One"
	ModelXL       = "XL"
	ModelMK4      = "MK4"
	ModelMK35     = "MK3.5"
	ModelMiniPlus = "MINI+"
	ModelUnknown  = "Unknown"
)
