package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// maxConcurrentPolls bounds how many printers are queried at once
const maxConcurrentPolls = 4

// EventSink receives host events
type EventSink interface {
	OnEvent(event string, payload map[string]any) bool
}

// PrinterStatus is the last known state of one monitored printer
type PrinterStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	State     string    `json:"state"`
	Label     string    `json:"label"`
	Job       string    `json:"job,omitempty"`
	Progress  int       `json:"progress"`
	Spent     int       `json:"spent"`
	Remaining int       `json:"remaining"`
	Z         float64   `json:"z"`
	BedTemp   float64   `json:"bed_temp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// printerState is what the monitor remembers between polls
type printerState struct {
	status  PrinterStatus
	seen    bool
	hasJob  bool
	jobPath string
	jobName string
}

// PrinterMonitor polls PrusaLink printers and turns state changes into host events
type PrinterMonitor struct {
	sink EventSink

	mu       sync.RWMutex
	printers map[string]PrinterConfig
	clients  map[string]*PrusaLinkClient
	states   map[string]*printerState

	labels    cases.Caser
	newClient func(address, apiKey string) *PrusaLinkClient
	onPoll    func([]PrinterStatus)
}

// NewPrinterMonitor creates a monitor forwarding events to sink
func NewPrinterMonitor(sink EventSink) *PrinterMonitor {
	return &PrinterMonitor{
		sink:      sink,
		printers:  make(map[string]PrinterConfig),
		clients:   make(map[string]*PrusaLinkClient),
		states:    make(map[string]*printerState),
		labels:    cases.Title(language.English),
		newClient: NewPrusaLinkClient,
	}
}

// OnPoll installs a callback receiving the printer list after every polling cycle
func (m *PrinterMonitor) OnPoll(fn func([]PrinterStatus)) {
	m.onPoll = fn
}

// SetPrinters replaces the monitored printers; state is kept for printers that stay
func (m *PrinterMonitor) SetPrinters(printers map[string]PrinterConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, old := range m.printers {
		cfg, ok := printers[id]
		if !ok || cfg.IPAddress != old.IPAddress || cfg.APIKey != old.APIKey {
			delete(m.clients, id)
			delete(m.states, id)
		}
	}
	m.printers = make(map[string]PrinterConfig, len(printers))
	for id, cfg := range printers {
		m.printers[id] = cfg
		if _, ok := m.clients[id]; !ok {
			m.clients[id] = m.newClient(cfg.IPAddress, cfg.APIKey)
		}
	}
}

// Run polls all printers every interval until ctx is cancelled
func (m *PrinterMonitor) Run(ctx context.Context, interval time.Duration) error {
	log.Info().Dur("interval", interval).Msg("[Monitor] Monitoring printers")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial check
	m.PollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.PollAll(ctx)
		}
	}
}

// PollAll polls every configured printer once
func (m *PrinterMonitor) PollAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.printers))
	for id := range m.printers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	if len(ids) == 0 {
		log.Debug().Msg("[Monitor] No printers configured - skipping monitoring")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)
	for _, id := range ids {
		g.Go(func() error {
			// One unreachable printer never stops the cycle
			m.poll(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	if m.onPoll != nil {
		m.onPoll(m.Statuses())
	}
}

// poll queries one printer and emits the events its state change implies
func (m *PrinterMonitor) poll(ctx context.Context, printerID string) {
	m.mu.RLock()
	cfg, ok := m.printers[printerID]
	client := m.clients[printerID]
	m.mu.RUnlock()
	if !ok || client == nil {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, PrusaLinkTimeout*time.Second)
	defer cancel()

	next := PrinterStatus{
		ID:        printerID,
		Name:      cfg.Name,
		Model:     cfg.Model,
		UpdatedAt: time.Now(),
	}

	var job *PrusaLinkJob
	status, err := client.GetStatus(pollCtx)
	if err != nil {
		log.Warn().Err(err).Str("printer", printerID).Str("address", cfg.IPAddress).Msg("[Monitor] Failed to get printer status")
		next.State = StateOffline
	} else {
		next.State = strings.ToUpper(status.Printer.State)
		next.BedTemp = status.Printer.TempBed
		next.Z = status.Printer.AxisZ
		if status.Job != nil {
			next.Progress = int(status.Job.Progress)
			next.Spent = status.Job.TimePrinting
			next.Remaining = status.Job.TimeRemaining
		}
		if isActiveState(next.State) || next.State == StateFinished || next.State == StateStopped {
			job, err = client.GetJobInfo(pollCtx)
			if err != nil {
				// Continue with status-only monitoring if job info fails
				log.Warn().Err(err).Str("printer", printerID).Msg("[Monitor] Failed to get job info")
				job = nil
			}
		}
	}
	next.Label = m.stateLabel(next.State)

	m.mu.Lock()
	state, ok := m.states[printerID]
	if !ok {
		state = &printerState{}
		m.states[printerID] = state
	}
	prev := state.status.State
	prevSpent := state.status.Spent
	firstPoll := !state.seen
	if job != nil && job.File.Name != "" {
		state.jobPath = job.DownloadPath()
		state.jobName = job.DisplayName()
		state.hasJob = true
	}
	next.Job = state.jobName
	state.status = next
	state.seen = true
	jobPath, jobName := state.jobPath, state.jobName
	if !isActiveState(next.State) && next.State != StateFinished && next.State != StateStopped {
		state.jobPath, state.jobName, state.hasJob = "", "", false
	}
	m.mu.Unlock()

	log.Debug().
		Str("printer", printerID).
		Str("state", next.State).
		Str("previous", prev).
		Str("job", jobName).
		Int("progress", next.Progress).
		Msg("[Monitor] Polled printer")

	for _, ev := range transitionEvents(prev, next.State, firstPoll) {
		payload := map[string]any{
			"printer":      printerID,
			"printer_name": cfg.Name,
			"state":        next.Label,
		}
		switch ev {
		case "PrinterStateChanged":
			payload["state_id"] = hostStateID(next.State)
		case "PrintProgress":
			payload["progress"] = next.Progress
			payload["z"] = next.Z
		}
		if strings.HasPrefix(ev, "Print") && jobPath != "" {
			payload["name"] = jobName
			payload["path"] = jobPath
			payload["origin"] = "prusalink"
		}
		if ev == "PrintDone" || ev == "PrintFailed" || ev == "PrintCancelled" {
			// The job is usually gone from the status once the printer leaves
			// the printing state
			spent := next.Spent
			if spent == 0 {
				spent = prevSpent
			}
			payload["time"] = spent
		}
		log.Info().Str("printer", printerID).Str("event", ev).Msg("🎉 [Monitor] Printer event")
		m.sink.OnEvent(ev, payload)
	}
}

// transitionEvents maps a state change between two polls to host events
func transitionEvents(prev, cur string, firstPoll bool) []string {
	if firstPoll {
		return []string{"PrinterStateChanged"}
	}
	if prev == cur {
		if cur == StatePrinting {
			return []string{"PrintProgress"}
		}
		return nil
	}

	var events []string
	wasActive := isActiveState(prev)
	switch cur {
	case StateOffline:
		if wasActive {
			events = append(events, "PrintFailed")
		}
		return append(events, "PrinterStateChanged")
	case StateError:
		if wasActive {
			events = append(events, "PrintFailed")
		}
		return append(events, "PrinterStateChanged")
	}

	if prev == StateOffline || prev == StateError {
		events = append(events, "PrinterStateChanged")
	}

	switch cur {
	case StatePrinting:
		switch prev {
		case StatePaused:
			events = append(events, "PrintResumed")
		case StateAttention:
		default:
			events = append(events, "PrintStarted")
		}
	case StatePaused:
		if prev == StatePrinting || prev == StateAttention {
			events = append(events, "PrintPaused")
		}
	case StateFinished:
		if wasActive {
			events = append(events, "PrintDone")
		}
	case StateStopped:
		if wasActive {
			events = append(events, "PrintCancelled")
		}
	case StateIdle, StateReady:
		// FINISHED can be missed between two polls
		if wasActive {
			events = append(events, "PrintDone")
		}
	}
	return events
}

func isActiveState(state string) bool {
	return state == StatePrinting || state == StatePaused || state == StateAttention
}

// hostStateID collapses PrusaLink states into the three printer states notifications know
func hostStateID(state string) string {
	switch state {
	case StateError:
		return HostStateError
	case StateOffline, "":
		return HostStateUnknown
	}
	return HostStateOperational
}

func (m *PrinterMonitor) stateLabel(state string) string {
	if state == "" {
		return ""
	}
	return m.labels.String(strings.ToLower(state))
}

// Statuses returns the last known state of every printer, sorted by name
func (m *PrinterMonitor) Statuses() []PrinterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PrinterStatus, 0, len(m.printers))
	for id, cfg := range m.printers {
		st := PrinterStatus{ID: id, Name: cfg.Name, Model: cfg.Model, State: StateOffline, Label: "Unknown"}
		if state, ok := m.states[id]; ok && state.seen {
			st = state.status
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// resolve finds a printer's state; an empty ID means the only configured printer
func (m *PrinterMonitor) resolve(printer string) (*printerState, bool) {
	if printer == "" && len(m.states) == 1 {
		for _, state := range m.states {
			return state, state.seen
		}
	}
	state, ok := m.states[printer]
	if !ok || !state.seen {
		return nil, false
	}
	return state, true
}

// JobTelemetry returns the live job data of a printer that is running a job
func (m *PrinterMonitor) JobTelemetry(printer string) (JobTelemetry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.resolve(printer)
	if !ok || !state.hasJob {
		return JobTelemetry{}, false
	}
	return JobTelemetry{
		Progress:  state.status.Progress,
		Spent:     state.status.Spent,
		Remaining: state.status.Remaining,
		Height:    state.status.Z,
	}, true
}

// BedTemperature returns the last bed temperature of a reachable printer
func (m *PrinterMonitor) BedTemperature(printer string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.resolve(printer)
	if !ok || state.status.State == StateOffline {
		return 0, false
	}
	return state.status.BedTemp, true
}

// FetchGcode downloads a g-code file from a monitored printer
func (m *PrinterMonitor) FetchGcode(ctx context.Context, printer, path string) ([]byte, error) {
	m.mu.RLock()
	client, ok := m.clients[printer]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown printer %q", printer)
	}
	return client.GetGcodeFile(ctx, path)
}
