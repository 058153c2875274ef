package main

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// bedCheckSpec is how often the bed temperature is polled after a print ends
const bedCheckSpec = "@every 3s"

// JobTelemetry is the current print job as reported by a printer
type JobTelemetry struct {
	Progress  int
	Spent     int // seconds
	Remaining int // seconds
	Height    float64
}

// TelemetrySource gives the notifier live printer data
type TelemetrySource interface {
	JobTelemetry(printer string) (JobTelemetry, bool)
	BedTemperature(printer string) (float64, bool)
}

// GcodeSource downloads a g-code file from a printer
type GcodeSource interface {
	FetchGcode(ctx context.Context, printer, path string) ([]byte, error)
}

// EventStore is the part of the store the notifier reads and writes
type EventStore interface {
	GetEventConfig(eventID string) (EventConfig, error)
	AddHistory(event, content, media, status string) (int64, error)
}

// MessageQueue accepts messages for delivery
type MessageQueue interface {
	Enqueue(msg *Message) bool
}

// Notifier turns host events into webhook messages
type Notifier struct {
	store EventStore
	queue MessageQueue

	mu        sync.RWMutex
	config    *Config
	telemetry TelemetrySource
	gcode     GcodeSource

	progress *progressTracker

	cron      *cron.Cron
	coolingMu sync.Mutex
	cooling   map[string]cron.EntryID

	now func() time.Time
}

// NewNotifier creates a notifier; Start must be called for the bed-cooled checks to run
func NewNotifier(store EventStore, queue MessageQueue, config *Config) *Notifier {
	return &Notifier{
		store:    store,
		queue:    queue,
		config:   config,
		progress: newProgressTracker(),
		cron:     cron.New(),
		cooling:  make(map[string]cron.EntryID),
		now:      time.Now,
	}
}

// SetSources installs the live printer data used for default variables, bed checks and remote thumbnails
func (n *Notifier) SetSources(telemetry TelemetrySource, gcode GcodeSource) {
	n.mu.Lock()
	n.telemetry = telemetry
	n.gcode = gcode
	n.mu.Unlock()
}

// Start runs the scheduler for bed-cooled checks
func (n *Notifier) Start() {
	n.cron.Start()
}

// Stop halts the scheduler and waits for running checks
func (n *Notifier) Stop() {
	<-n.cron.Stop().Done()
}

// Config returns the configuration currently in use
func (n *Notifier) Config() *Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config
}

// OnSettingsChanged swaps the configuration and sends a test message when the
// webhook identity (url, username or avatar) changed
func (n *Notifier) OnSettingsChanged(config *Config) bool {
	n.mu.Lock()
	old := n.config
	n.config = config
	n.mu.Unlock()

	if old != nil && old.WebhookURL == config.WebhookURL && old.Username == config.Username && old.Avatar == config.Avatar {
		return false
	}
	log.Info().Msg("[Notifier] Settings have changed. Send a test message...")
	return n.NotifyEvent(EventTest, nil)
}

// Test sends the test message
func (n *Notifier) Test() bool {
	return n.NotifyEvent(EventTest, nil)
}

// OnEvent receives a host event. Events without a notification are ignored and report true.
func (n *Notifier) OnEvent(event string, payload map[string]any) bool {
	data := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		data[k] = v
	}
	printer := payloadString(data, "printer")

	switch event {
	case "PrinterStateChanged":
		eventID, ok := printerStateEvents[strings.ToUpper(payloadString(data, "state_id"))]
		if !ok {
			return true
		}
		return n.NotifyEvent(eventID, data)
	case "ZChange":
		return n.onZChange(printer, data)
	}

	eventID, ok := hostEventMap[event]
	if !ok {
		log.Debug().Str("event", event).Msg("[Notifier] Ignoring host event")
		return true
	}

	switch eventID {
	case EventPrintingStarted:
		n.progress.Reset(printer)
		n.stopBedCheck(printer)
	case EventPrintingDone:
		if seconds, ok := toInt(data["time"]); ok {
			data["time_formatted"] = formatDuration(seconds)
		}
		n.startBedCheck(printer)
	case EventPrintingCancelled:
		n.startBedCheck(printer)
	case EventTransferDone:
		if seconds, ok := toInt(data["time"]); ok {
			data["time_formatted"] = formatDuration(seconds)
		}
	case EventTimelapseDone, EventTimelapseFailed:
		if _, ok := data["movie_basename"]; !ok {
			if movie := payloadString(data, "movie"); movie != "" {
				data["movie_basename"] = filepath.Base(movie)
			}
		}
	}
	return n.NotifyEvent(eventID, data)
}

// onZChange turns a layer change into a progress event so height steps can fire between percent steps
func (n *Notifier) onZChange(printer string, data map[string]any) bool {
	if z, ok := toFloat(data["new"]); ok {
		data["z"] = z
	}
	if _, ok := data["progress"]; !ok {
		if job, ok := n.jobTelemetry(printer); ok {
			data["progress"] = job.Progress
		}
	}
	return n.NotifyEvent(EventPrintingProgress, data)
}

// NotifyEvent builds and enqueues the message for an event ID.
// It reports whether a message was queued.
func (n *Notifier) NotifyEvent(eventID string, data map[string]any) bool {
	if !IsKnownEvent(eventID) {
		log.Error().Str("event", eventID).Msg("[Notifier] Tried to notify on inexistent event")
		return false
	}

	cfg, err := n.store.GetEventConfig(eventID)
	if err != nil {
		log.Error().Err(err).Str("event", eventID).Msg("[Notifier] Could not load event config")
		return false
	}
	if eventID == EventTest {
		// The test message is not user-editable
		cfg, _ = DefaultEventConfig(EventTest)
	}
	if !cfg.Enabled {
		log.Debug().Str("event", eventID).Msg("[Notifier] Event is not enabled. Returning gracefully")
		return false
	}

	if data == nil {
		data = make(map[string]any)
	}
	printer := payloadString(data, "printer")
	n.fillDefaults(printer, data)

	if eventID == EventPrintingProgress && !n.allowProgress(printer, cfg, data) {
		return false
	}

	log.Debug().Str("event", eventID).Strs("variables", sortedKeys(data)).Msg("[Notifier] Available variables")
	content := renderMessage(cfg.Message, data)

	config := n.Config()
	if !strings.Contains(config.WebhookURL, "http") {
		log.Debug().Str("event", eventID).Msg("[Notifier] No webhook URL configured")
		return false
	}

	msg := &Message{
		Event:   eventID,
		Content: content,
		Media:   n.resolveMedia(cfg.Media, config, data),
	}

	if id, err := n.store.AddHistory(eventID, content, msg.MediaKind(), StatusQueued); err != nil {
		log.Warn().Err(err).Str("event", eventID).Msg("[Notifier] Could not record history")
	} else {
		msg.HistoryID = id
	}

	return n.queue.Enqueue(msg)
}

// fillDefaults sets the variables every message can use, preferring live telemetry
func (n *Notifier) fillDefaults(printer string, data map[string]any) {
	setDefault(data, "progress", 0)
	setDefault(data, "remaining", 0)
	setDefault(data, "remaining_formatted", formatDuration(0))
	setDefault(data, "spent", 0)
	setDefault(data, "spent_formatted", formatDuration(0))

	job, ok := n.jobTelemetry(printer)
	if !ok {
		return
	}
	data["remaining"] = job.Remaining
	data["remaining_formatted"] = formatDuration(job.Remaining)
	data["spent"] = job.Spent
	data["spent_formatted"] = formatDuration(job.Spent)
	if _, ok := data["z"]; !ok && job.Height > 0 {
		data["z"] = job.Height
	}
}

func (n *Notifier) allowProgress(printer string, cfg EventConfig, data map[string]any) bool {
	percent, _ := toInt(data["progress"])
	sample := progressSample{Percent: percent, At: n.now()}
	sample.Spent, _ = toInt(data["spent"])
	sample.Height, _ = toFloat(data["z"])
	return n.progress.Allow(printer, cfg, sample)
}

func (n *Notifier) jobTelemetry(printer string) (JobTelemetry, bool) {
	n.mu.RLock()
	source := n.telemetry
	n.mu.RUnlock()
	if source == nil {
		return JobTelemetry{}, false
	}
	return source.JobTelemetry(printer)
}

// resolveMedia picks the attachment for a message; bytes are fetched later by the sender
func (n *Notifier) resolveMedia(kind string, config *Config, data map[string]any) Media {
	switch kind {
	case MediaSnapshot:
		if !strings.Contains(config.Snapshot.URL, "http") {
			return nil
		}
		return newSnapshotMedia(config.Snapshot)

	case MediaThumbnail:
		path := payloadString(data, "path")
		if path == "" {
			return nil
		}
		printer := payloadString(data, "printer")
		n.mu.RLock()
		gcode := n.gcode
		n.mu.RUnlock()
		if printer != "" && gcode != nil {
			return newRemoteThumbnail(printer+":"+path, func(ctx context.Context) ([]byte, error) {
				return gcode.FetchGcode(ctx, printer, path)
			})
		}
		file, ok := confinePath(config.UploadsDir, path)
		if !ok {
			log.Warn().Str("path", path).Str("uploads_dir", config.UploadsDir).Msg("[Notifier] G-code path is outside the uploads directory, no thumbnail")
			return nil
		}
		return newFileThumbnail(file)

	case MediaTimelapse:
		movie := payloadString(data, "movie")
		if movie == "" {
			return nil
		}
		file, ok := confinePath(config.TimelapseDir, movie)
		if !ok {
			log.Warn().Str("movie", movie).Str("timelapse_dir", config.TimelapseDir).Msg("[Notifier] Movie is outside the timelapse directory, not attached")
			return nil
		}
		return &TimelapseMedia{Path: file, MaxSize: config.MaxMediaSize}
	}
	return nil
}

// confinePath resolves name inside dir. Relative names are joined onto dir,
// absolute ones must already lie below it. An empty dir allows nothing.
func confinePath(dir, name string) (string, bool) {
	if dir == "" || name == "" {
		return "", false
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	name = filepath.FromSlash(name)
	if !filepath.IsAbs(name) {
		name = filepath.Join(root, name)
	}
	rel, err := filepath.Rel(root, filepath.Clean(name))
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.Join(root, rel), true
}

// startBedCheck schedules the bed temperature check for a printer, replacing a running one
func (n *Notifier) startBedCheck(printer string) {
	n.stopBedCheck(printer)

	n.coolingMu.Lock()
	defer n.coolingMu.Unlock()

	id, err := n.cron.AddFunc(bedCheckSpec, func() { n.checkBedTemperature(printer) })
	if err != nil {
		log.Error().Err(err).Str("printer", printer).Msg("[Notifier] Could not schedule bed check")
		return
	}
	n.cooling[printer] = id
	log.Debug().Str("printer", printer).Msg("[Notifier] Bed temperature check started")
}

func (n *Notifier) stopBedCheck(printer string) {
	n.coolingMu.Lock()
	defer n.coolingMu.Unlock()
	if id, ok := n.cooling[printer]; ok {
		n.cron.Remove(id)
		delete(n.cooling, printer)
	}
}

// checkBedTemperature notifies once the bed is at or below the configured temperature
func (n *Notifier) checkBedTemperature(printer string) {
	cfg, err := n.store.GetEventConfig(EventBedCooled)
	if err != nil || !cfg.Enabled {
		n.stopBedCheck(printer)
		return
	}

	n.mu.RLock()
	source := n.telemetry
	n.mu.RUnlock()
	if source == nil {
		n.stopBedCheck(printer)
		return
	}
	actual, ok := source.BedTemperature(printer)
	if !ok {
		log.Debug().Str("printer", printer).Msg("[Notifier] Bed temperature unavailable")
		return
	}

	log.Debug().Str("printer", printer).Float64("actual", actual).Float64("threshold", cfg.Temperature).Msg("[Notifier] Bed temperature")
	if actual > cfg.Temperature {
		return
	}
	n.stopBedCheck(printer)
	n.NotifyEvent(EventBedCooled, map[string]any{
		"printer":     printer,
		"temperature": actual,
	})
}

// bedChecksRunning returns the number of printers waiting for their bed to cool
func (n *Notifier) bedChecksRunning() int {
	n.coolingMu.Lock()
	defer n.coolingMu.Unlock()
	return len(n.cooling)
}

func setDefault(data map[string]any, key string, value any) {
	if _, ok := data[key]; !ok {
		data[key] = value
	}
}

func payloadString(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return formatValue(v)
	}
}
