package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// maxRateLimitRetries bounds how often one message is put back after a 429
const maxRateLimitRetries = 3

// WebhookTarget is the single destination every message is posted to
type WebhookTarget struct {
	URL          string
	Username     string
	Avatar       string
	ThreadID     int
	AllowScripts bool
	ScriptBefore string
	ScriptAfter  string
}

// Message is one notification waiting for delivery
type Message struct {
	Event     string
	Content   string
	Media     Media
	HistoryID int64

	attempts   int
	attachment *Attachment
	fetched    bool
}

// MediaKind names the attached media for logs and history
func (m *Message) MediaKind() string {
	if m.Media == nil {
		return MediaNone
	}
	return m.Media.Kind()
}

// ResultFunc is told about every final (or intermediate rate-limited) outcome of a message
type ResultFunc func(msg *Message, status, detail string)

// DiscordSender owns the delivery queue and the single worker posting to the webhook
type DiscordSender struct {
	mu        sync.Mutex
	queue     []*Message
	wake      chan struct{}
	closing   chan struct{}
	done      chan struct{}
	accepting bool
	started   bool
	target    WebhookTarget

	client    *http.Client
	limiter   *rate.Limiter
	stopUntil atomic.Int64 // unix nanoseconds, 0 when not rate limited
	onResult  ResultFunc

	// Replaceable in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDiscordSender creates a sender; call Run to start delivering
func NewDiscordSender(ratePerSecond float64, burst int) *DiscordSender {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRatePerSecond
	}
	if burst <= 0 {
		burst = DefaultRateBurst
	}
	return &DiscordSender{
		wake:      make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		accepting: true,
		client:    &http.Client{Timeout: WebhookTimeout * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// SetTarget replaces the webhook destination used for the next deliveries
func (s *DiscordSender) SetTarget(target WebhookTarget) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

// Target returns the current destination
func (s *DiscordSender) Target() WebhookTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// SetRate changes the outbound pacing
func (s *DiscordSender) SetRate(ratePerSecond float64) {
	if ratePerSecond <= 0 {
		return
	}
	s.limiter.SetLimit(rate.Limit(ratePerSecond))
}

// OnResult installs the outcome callback. Must be called before Run.
func (s *DiscordSender) OnResult(fn ResultFunc) {
	s.onResult = fn
}

// Enqueue appends a message to the FIFO; false once the sender is stopping
func (s *DiscordSender) Enqueue(msg *Message) bool {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		log.Warn().Str("event", msg.Event).Msg("[Discord] Sender is stopping, message not queued")
		return false
	}
	s.queue = append(s.queue, msg)
	depth := len(s.queue)
	s.mu.Unlock()

	queueDepth.Set(float64(depth))
	log.Debug().
		Str("event", msg.Event).
		Str("content", msg.Content).
		Time("rate_limited_until", s.RateLimitedUntil()).
		Msg("[Discord] Adding message to queue")

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// QueueLength returns the number of messages waiting
func (s *DiscordSender) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RateLimitedUntil returns when sending resumes, zero time when not rate limited
func (s *DiscordSender) RateLimitedUntil() time.Time {
	until := s.stopUntil.Load()
	if until == 0 {
		return time.Time{}
	}
	return time.Unix(0, until)
}

// Run delivers queued messages until ctx is cancelled or Stop drained the queue
func (s *DiscordSender) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	log.Info().Msg("[Discord] Delivery worker started")
	for {
		msg, ok := s.next(ctx)
		if !ok {
			log.Info().Msg("[Discord] Delivery worker stopped")
			return
		}
		s.deliver(ctx, msg)
	}
}

// Stop refuses new messages and waits until the queue is drained or ctx expires
func (s *DiscordSender) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	close(s.closing)
	started := s.started
	pending := len(s.queue)
	s.mu.Unlock()

	if !started {
		return
	}
	log.Info().Int("pending", pending).Msg("[Discord] Draining queue")
	select {
	case <-s.done:
	case <-ctx.Done():
		log.Warn().Int("pending", s.QueueLength()).Msg("[Discord] Gave up draining queue")
	}
}

// next blocks until a message is available
func (s *DiscordSender) next(ctx context.Context) (*Message, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			depth := len(s.queue)
			s.mu.Unlock()
			queueDepth.Set(float64(depth))
			return msg, true
		}
		closing := s.closing
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-s.wake:
		case <-closing:
			if s.QueueLength() == 0 {
				return nil, false
			}
		}
	}
}

// requeueFront puts a rate-limited message back at the head of the queue
func (s *DiscordSender) requeueFront(msg *Message) {
	s.mu.Lock()
	s.queue = append([]*Message{msg}, s.queue...)
	depth := len(s.queue)
	s.mu.Unlock()
	queueDepth.Set(float64(depth))
}

// deliver posts one message, honouring the 429 back-off
func (s *DiscordSender) deliver(ctx context.Context, msg *Message) {
	target := s.Target()

	if msg.Content == "" {
		log.Debug().Str("event", msg.Event).Msg("[Discord] Content is empty")
		s.report(msg, StatusDropped, "content is empty")
		return
	}
	if !strings.Contains(target.URL, "http") {
		log.Debug().Str("event", msg.Event).Msg("[Discord] No Webhook URL provided")
		s.report(msg, StatusDropped, "no webhook url")
		return
	}

	// No delivery attempt is made before the back-off elapses
	if until := s.stopUntil.Load(); until != 0 {
		if wait := time.Unix(0, until).Sub(s.now()); wait > 0 {
			log.Warn().Dur("wait", wait).Str("event", msg.Event).Msg("[Discord] Rate limited, pausing delivery")
			if err := s.sleep(ctx, wait); err != nil {
				s.report(msg, StatusDropped, "shutdown while rate limited")
				return
			}
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		s.report(msg, StatusDropped, "shutdown while pacing")
		return
	}

	runHookScript(ctx, target, msg.Event, "before")

	if msg.Media != nil && !msg.fetched {
		msg.fetched = true
		attachment, err := msg.Media.Fetch(ctx)
		if err != nil {
			log.Warn().Err(err).Str("event", msg.Event).Str("media", msg.MediaKind()).Msg("[Discord] Media unavailable, sending text only")
		} else {
			msg.attachment = attachment
		}
	}

	msg.attempts++
	status, retryAfter, err := s.post(ctx, target, msg)

	runHookScript(ctx, target, msg.Event, "after")

	if err != nil {
		log.Error().Err(err).Str("event", msg.Event).Msg("[Discord] Error sending message")
		s.report(msg, StatusFailed, err.Error())
		return
	}

	if status == http.StatusTooManyRequests {
		rateLimitedTotal.Inc()
		if retryAfter > 0 {
			s.stopUntil.Store(s.now().Add(retryAfter).UnixNano())
		}
		log.Warn().
			Time("until", s.RateLimitedUntil()).
			Int("attempt", msg.attempts).
			Msg("[Discord] Rate limited by Discord API")

		if msg.attempts <= maxRateLimitRetries {
			s.report(msg, StatusRateLimited, fmt.Sprintf("retry after %s", retryAfter))
			s.requeueFront(msg)
			return
		}
		s.report(msg, StatusFailed, "rate limited too many times")
		return
	}

	s.stopUntil.Store(0)
	if status < 200 || status > 299 {
		s.report(msg, StatusFailed, fmt.Sprintf("webhook returned HTTP %d", status))
		return
	}
	log.Info().Str("event", msg.Event).Str("media", msg.MediaKind()).Msg("✅ [Discord] Message sent")
	s.report(msg, StatusSent, "")
}

// post sends the multipart request and returns the status and any requested back-off
func (s *DiscordSender) post(ctx context.Context, target WebhookTarget, msg *Message) (int, time.Duration, error) {
	endpoint, err := webhookEndpoint(target)
	if err != nil {
		return 0, 0, err
	}

	body, contentType, err := buildMultipart(target, msg)
	if err != nil {
		return 0, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := s.client.Do(req)
	webhookRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		webhookRequestsTotal.WithLabelValues("error").Inc()
		return 0, 0, fmt.Errorf("failed to post to webhook: %w", err)
	}
	defer resp.Body.Close()
	webhookRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, parseRetryAfter(resp), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn().Int("status", resp.StatusCode).Str("body", string(preview)).Msg("[Discord] Webhook rejected message")
	}
	return resp.StatusCode, 0, nil
}

// webhookEndpoint appends the thread parameter when posting into a thread
func webhookEndpoint(target WebhookTarget) (string, error) {
	if target.ThreadID <= 0 {
		return target.URL, nil
	}
	u, err := url.Parse(target.URL)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	q := u.Query()
	q.Set("thread_id", strconv.Itoa(target.ThreadID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildMultipart encodes content, username, avatar_url and the optional file
func buildMultipart(target WebhookTarget, msg *Message) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{{"content", msg.Content}}
	if target.Username != "" {
		fields = append(fields, [2]string{"username", target.Username})
	}
	if target.Avatar != "" {
		fields = append(fields, [2]string{"avatar_url", target.Avatar})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}

	if msg.attachment != nil {
		part, err := w.CreateFormFile("file", msg.attachment.Filename)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := part.Write(msg.attachment.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write file part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// parseRetryAfter reads retry_after (milliseconds) from the JSON body,
// falling back to the Retry-After header (seconds)
func parseRetryAfter(resp *http.Response) time.Duration {
	var data struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(body, &data); err == nil && data.RetryAfter > 0 {
		log.Debug().RawJSON("body", body).Msg("[Discord] Rate limit payload")
		return time.Duration(data.RetryAfter * float64(time.Millisecond))
	}
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

// report forwards an outcome to metrics and the result callback
func (s *DiscordSender) report(msg *Message, status, detail string) {
	notificationsTotal.WithLabelValues(msg.Event, status).Inc()
	if s.onResult != nil {
		s.onResult(msg, status, detail)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
