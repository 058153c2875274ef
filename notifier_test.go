package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryEventStore struct {
	mu      sync.Mutex
	events  map[string]EventConfig
	history []string
}

func newMemoryEventStore() *memoryEventStore {
	s := &memoryEventStore{events: make(map[string]EventConfig)}
	for _, id := range EventIDs() {
		cfg, _ := DefaultEventConfig(id)
		s.events[id] = cfg
	}
	return s
}

func (s *memoryEventStore) GetEventConfig(eventID string) (EventConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.events[eventID]
	if !ok {
		return EventConfig{}, fmt.Errorf("unknown event %q", eventID)
	}
	return cfg, nil
}

func (s *memoryEventStore) AddHistory(event, content, media, status string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, event)
	return int64(len(s.history)), nil
}

func (s *memoryEventStore) update(eventID string, fn func(*EventConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.events[eventID]
	fn(&cfg)
	s.events[eventID] = cfg
}

type memoryQueue struct {
	mu       sync.Mutex
	messages []*Message
}

func (q *memoryQueue) Enqueue(msg *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return true
}

func (q *memoryQueue) all() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Message(nil), q.messages...)
}

type staticTelemetry struct {
	mu   sync.Mutex
	job  JobTelemetry
	has  bool
	bed  float64
	gets int
}

func (s *staticTelemetry) JobTelemetry(string) (JobTelemetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job, s.has
}

func (s *staticTelemetry) BedTemperature(string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	return s.bed, true
}

func (s *staticTelemetry) setBed(temp float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bed = temp
}

func newTestNotifier(t *testing.T) (*Notifier, *memoryEventStore, *memoryQueue) {
	t.Helper()
	store := newMemoryEventStore()
	queue := &memoryQueue{}
	config := configFromValues(map[string]string{
		ConfigKeyURL:         "https://discord.com/api/webhooks/1/token",
		ConfigKeySnapshotURL: "http://camera.local/snapshot",
	})
	return NewNotifier(store, queue, config), store, queue
}

func TestNotifyEventUnknownID(t *testing.T) {
	n, _, queue := newTestNotifier(t)

	assert.False(t, n.NotifyEvent("does_not_exist", nil))
	assert.Empty(t, queue.all())
}

func TestNotifyEventDisabled(t *testing.T) {
	n, store, queue := newTestNotifier(t)
	store.update(EventStartup, func(c *EventConfig) { c.Enabled = false })

	assert.False(t, n.NotifyEvent(EventStartup, nil))
	assert.False(t, n.OnEvent("Startup", nil))
	assert.Empty(t, queue.all())
}

func TestNotifyEventRendersAndEnqueues(t *testing.T) {
	n, store, queue := newTestNotifier(t)

	require.True(t, n.OnEvent("PrintStarted", map[string]any{"name": "benchy.gcode", "path": "benchy.gcode"}))

	msgs := queue.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventPrintingStarted, msgs[0].Event)
	assert.Equal(t, "🖨️ I've started printing **benchy.gcode**", msgs[0].Content)
	assert.Nil(t, msgs[0].Media, "no uploads dir and no printer means no thumbnail")
	assert.Equal(t, int64(1), msgs[0].HistoryID)
	assert.Equal(t, []string{EventPrintingStarted}, store.history)
}

func TestNotifyEventRequiresWebhookURL(t *testing.T) {
	n, _, queue := newTestNotifier(t)
	n.config = configFromValues(map[string]string{ConfigKeyURL: "not a url"})

	assert.False(t, n.NotifyEvent(EventStartup, nil))
	assert.Empty(t, queue.all())
}

func TestNotifyEventDefaultVariables(t *testing.T) {
	n, store, queue := newTestNotifier(t)
	store.update(EventShutdown, func(c *EventConfig) {
		c.Message = "{progress}|{remaining}|{remaining_formatted}|{spent}|{spent_formatted}"
	})

	require.True(t, n.NotifyEvent(EventShutdown, nil))
	assert.Equal(t, "0|0|0:00:00|0|0:00:00", queue.all()[0].Content)

	n.SetSources(&staticTelemetry{has: true, job: JobTelemetry{Progress: 40, Spent: 3725, Remaining: 90061}}, nil)
	require.True(t, n.NotifyEvent(EventShutdown, nil))
	assert.Equal(t, "0|90061|1 day, 1:01:01|3725|1:02:05", queue.all()[1].Content)
}

func TestNotifyEventUnknownPlaceholder(t *testing.T) {
	n, store, queue := newTestNotifier(t)
	store.update(EventPrintingPaused, func(c *EventConfig) { c.Message = "Paused {nmae}" })

	require.True(t, n.OnEvent("PrintPaused", map[string]any{"name": "cube"}))

	content := queue.all()[0].Content
	assert.Contains(t, content, "Paused {nmae}")
	assert.Contains(t, content, "OctoRant Warning")
	assert.Contains(t, content, "Did you mean `{name}`?")
}

func TestOnEventPrintDoneFormatsTime(t *testing.T) {
	n, _, queue := newTestNotifier(t)

	require.True(t, n.OnEvent("PrintDone", map[string]any{"name": "cube", "time": 3725.4}))

	msgs := queue.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "👍 Printing is done! Took about 1:02:05", msgs[0].Content)
	assert.Equal(t, MediaSnapshot, msgs[0].MediaKind())
	assert.Equal(t, 1, n.bedChecksRunning())
}

func TestOnEventPrinterState(t *testing.T) {
	n, _, queue := newTestNotifier(t)

	assert.True(t, n.OnEvent("PrinterStateChanged", map[string]any{"state_id": "OPERATIONAL"}))
	assert.True(t, n.OnEvent("PrinterStateChanged", map[string]any{"state_id": "ERROR"}))
	assert.True(t, n.OnEvent("PrinterStateChanged", map[string]any{"state_id": "PRINTING"}))

	msgs := queue.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, EventPrinterStateOperational, msgs[0].Event)
	assert.Equal(t, EventPrinterStateError, msgs[1].Event)
}

func TestOnEventIgnoresUnknownHostEvents(t *testing.T) {
	n, _, queue := newTestNotifier(t)

	assert.True(t, n.OnEvent("SlicingStarted", map[string]any{}))
	assert.Empty(t, queue.all())
}

func TestOnEventMovieDone(t *testing.T) {
	n, _, queue := newTestNotifier(t)
	config := *n.Config()
	config.TimelapseDir = "/timelapse"
	n.config = &config

	require.True(t, n.OnEvent("MovieDone", map[string]any{"movie": "/timelapse/benchy_20240501.mp4"}))

	msgs := queue.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "🎥 Timelapse benchy_20240501.mp4 is ready.", msgs[0].Content)
	media, ok := msgs[0].Media.(*TimelapseMedia)
	require.True(t, ok)
	assert.Equal(t, "/timelapse/benchy_20240501.mp4", media.Path)
	assert.Equal(t, int64(DefaultMaxMediaSize), media.MaxSize)
}

func TestProgressNotifications(t *testing.T) {
	n, _, queue := newTestNotifier(t)

	for _, p := range []int{0, 5, 10, 10, 15, 20, 100} {
		n.OnEvent("PrintProgress", map[string]any{"progress": p})
	}

	msgs := queue.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, "📢 Printing is at 10%", msgs[0].Content)
	assert.Equal(t, "📢 Printing is at 20%", msgs[1].Content)

	// A new print starts over
	n.OnEvent("PrintStarted", map[string]any{"name": "cube"})
	n.OnEvent("PrintProgress", map[string]any{"progress": 10})
	assert.Len(t, queue.all(), 4)
}

func TestZChangeUsesHeightStep(t *testing.T) {
	n, store, queue := newTestNotifier(t)
	store.update(EventPrintingProgress, func(c *EventConfig) {
		c.PercentStep = 0
		c.HeightStep = 5
	})
	n.SetSources(&staticTelemetry{has: true, job: JobTelemetry{Progress: 30}}, nil)

	assert.False(t, n.OnEvent("ZChange", map[string]any{"new": 2.0, "old": 1.8}))
	assert.True(t, n.OnEvent("ZChange", map[string]any{"new": 5.2, "old": 5.0}))
	assert.False(t, n.OnEvent("ZChange", map[string]any{"new": 7.0, "old": 6.8}))

	require.Len(t, queue.all(), 1)
}

func TestTestMessageIgnoresStoredConfig(t *testing.T) {
	n, store, queue := newTestNotifier(t)
	store.update(EventTest, func(c *EventConfig) {
		c.Enabled = false
		c.Message = "edited"
	})

	require.True(t, n.Test())
	def, _ := DefaultEventConfig(EventTest)
	assert.Equal(t, def.Message, queue.all()[0].Content)
}

func TestOnSettingsChangedSendsTestOnIdentityChange(t *testing.T) {
	n, _, queue := newTestNotifier(t)
	base := n.Config()

	same := *base
	same.PollInterval = 30 * time.Second
	assert.False(t, n.OnSettingsChanged(&same))
	assert.Empty(t, queue.all())

	renamed := same
	renamed.Username = "Printer Bot"
	assert.True(t, n.OnSettingsChanged(&renamed))
	require.Len(t, queue.all(), 1)
	assert.Equal(t, EventTest, queue.all()[0].Event)
}

func TestResolveMedia(t *testing.T) {
	n, _, _ := newTestNotifier(t)
	config := configFromValues(map[string]string{
		ConfigKeySnapshotURL: "http://camera.local/snap",
		ConfigKeyUploadsDir:  "/uploads",
	})

	assert.Nil(t, n.resolveMedia(MediaNone, config, map[string]any{}))
	assert.IsType(t, &SnapshotMedia{}, n.resolveMedia(MediaSnapshot, config, map[string]any{}))

	thumb, ok := n.resolveMedia(MediaThumbnail, config, map[string]any{"path": "sub/cube.gcode"}).(*ThumbnailMedia)
	require.True(t, ok)
	assert.Equal(t, "/uploads/sub/cube.gcode", thumb.Source)

	assert.Nil(t, n.resolveMedia(MediaThumbnail, config, map[string]any{}), "no path")
	assert.Nil(t, n.resolveMedia(MediaTimelapse, config, map[string]any{}), "no movie")

	noCamera := configFromValues(map[string]string{ConfigKeySnapshotURL: ""})
	assert.Nil(t, n.resolveMedia(MediaSnapshot, noCamera, map[string]any{}))
}

func TestResolveMediaStaysInsideDirectories(t *testing.T) {
	n, _, _ := newTestNotifier(t)
	config := configFromValues(map[string]string{
		ConfigKeyUploadsDir:   "/uploads",
		ConfigKeyTimelapseDir: "/timelapse",
	})

	for _, path := range []string{"../octorant.db", "sub/../../etc/passwd", "/etc/passwd", "/uploads", "/uploads-other/x.gcode"} {
		assert.Nil(t, n.resolveMedia(MediaThumbnail, config, map[string]any{"path": path}), path)
	}
	for _, movie := range []string{"/tmp/secret.key", "../octorant.db", "/timelapse/../octorant.db", "/timelapse"} {
		assert.Nil(t, n.resolveMedia(MediaTimelapse, config, map[string]any{"movie": movie}), movie)
	}

	thumb, ok := n.resolveMedia(MediaThumbnail, config, map[string]any{"path": "/uploads/sub/cube.gcode"}).(*ThumbnailMedia)
	require.True(t, ok, "absolute path inside the uploads directory")
	assert.Equal(t, "/uploads/sub/cube.gcode", thumb.Source)

	movie, ok := n.resolveMedia(MediaTimelapse, config, map[string]any{"movie": "cube.mp4"}).(*TimelapseMedia)
	require.True(t, ok, "relative movie resolves against the timelapse directory")
	assert.Equal(t, "/timelapse/cube.mp4", movie.Path)

	noDirs := configFromValues(map[string]string{})
	assert.Nil(t, n.resolveMedia(MediaTimelapse, noDirs, map[string]any{"movie": "/timelapse/cube.mp4"}))
}

func TestMovieOutsideTimelapseDirIsSentWithoutFile(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(secret, []byte("TOP-SECRET"), 0o600))

	n, _, queue := newTestNotifier(t)
	config := *n.Config()
	config.TimelapseDir = dir
	n.config = &config

	require.True(t, n.OnEvent("MovieDone", map[string]any{"movie": secret}))
	msgs := queue.all()
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Media)
	assert.Equal(t, MediaNone, msgs[0].MediaKind())
}

type gcodeFunc func(ctx context.Context, printer, path string) ([]byte, error)

func (f gcodeFunc) FetchGcode(ctx context.Context, printer, path string) ([]byte, error) {
	return f(ctx, printer, path)
}

func TestResolveMediaRemoteThumbnail(t *testing.T) {
	n, _, _ := newTestNotifier(t)
	var gotPrinter, gotPath string
	n.SetSources(nil, gcodeFunc(func(_ context.Context, printer, path string) ([]byte, error) {
		gotPrinter, gotPath = printer, path
		return []byte(thumbnailBlock(16, 16, []byte("png"))), nil
	}))

	media := n.resolveMedia(MediaThumbnail, n.Config(), map[string]any{"printer": "mk4", "path": "usb/CUBE.GCO"})
	require.NotNil(t, media)

	att, err := media.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), att.Data)
	assert.Equal(t, "mk4", gotPrinter)
	assert.Equal(t, "usb/CUBE.GCO", gotPath)
}

func TestBedCooledCheck(t *testing.T) {
	n, _, queue := newTestNotifier(t)
	telemetry := &staticTelemetry{bed: 60}
	n.SetSources(telemetry, nil)

	n.startBedCheck("mk4")
	require.Equal(t, 1, n.bedChecksRunning())

	n.checkBedTemperature("mk4")
	assert.Empty(t, queue.all(), "bed still hot")
	assert.Equal(t, 1, n.bedChecksRunning())

	telemetry.setBed(29.5)
	n.checkBedTemperature("mk4")

	msgs := queue.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventBedCooled, msgs[0].Event)
	assert.Zero(t, n.bedChecksRunning(), "check stops after notifying")
}

func TestBedCheckReplacedByNewPrint(t *testing.T) {
	n, _, _ := newTestNotifier(t)

	n.OnEvent("PrintCancelled", map[string]any{"printer": "mk4"})
	n.OnEvent("PrintCancelled", map[string]any{"printer": "mk4"})
	assert.Equal(t, 1, n.bedChecksRunning())

	n.OnEvent("PrintStarted", map[string]any{"printer": "mk4", "name": "next"})
	assert.Zero(t, n.bedChecksRunning())
}
