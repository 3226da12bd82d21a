// ABOUTME: Notification dispatcher routing alerts to channels
// ABOUTME: Dedup, expiry, quiet-hours deferral, primary/fallback delivery and critical self-escalation

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-gatekeeper/internal/dedupe"
	"github.com/2389/coven-gatekeeper/internal/events"
	"github.com/2389/coven-gatekeeper/internal/store"
	"github.com/2389/coven-gatekeeper/internal/timers"
)

// ChannelBoth routes to the default channel and the fallback channel.
const ChannelBoth = "both"

// EscalatedPrefix is prepended to the title of a self-escalated notification.
const EscalatedPrefix = "[ESCALATED] "

// ErrUnknownChannel is reported when a notification routes to an unregistered channel.
var ErrUnknownChannel = errors.New("unknown channel")

// Skip reasons reported in Result.SkipReason.
const (
	SkipDuplicate = "duplicate"
	SkipExpired   = "expired"
)

// Options configures a Dispatcher.
type Options struct {
	DefaultChannel   string
	FallbackChannel  string
	CategoryChannels map[string]string
	QuietHours       QuietHours
	DedupWindow      time.Duration
	EscalationDelay  time.Duration
	SendTimeout      time.Duration
	FlushInterval    time.Duration
	WriteTimeout     time.Duration
	Now              func() time.Time
}

func (o *Options) applyDefaults() {
	if o.DefaultChannel == "" {
		o.DefaultChannel = "log"
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Minute
	}
	if o.EscalationDelay <= 0 {
		o.EscalationDelay = 30 * time.Minute
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Result reports what happened to a dispatched notification. Delivery
// failures are reported here, never returned as errors.
type Result struct {
	NotificationID string               `json:"notification_id"`
	Success        bool                 `json:"success"`
	Status         store.DeliveryStatus `json:"status"`
	Channels       []string             `json:"channels,omitempty"`
	SkipReason     string               `json:"skip_reason,omitempty"`
	DeliverAt      *time.Time           `json:"deliver_at,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// Dispatcher routes notifications to channels.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel

	dedup     *dedupe.Window
	escalated *timers.Set

	store  store.NotificationStore
	bus    *events.Bus
	opts   Options
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. The log channel is always registered.
func NewDispatcher(st store.NotificationStore, bus *events.Bus, opts Options, logger *slog.Logger, channels ...Channel) *Dispatcher {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		channels:  make(map[string]Channel),
		dedup:     dedupe.NewWindow(opts.DedupWindow, dedupe.WithClock(opts.Now)),
		escalated: timers.NewSet(),
		store:     st,
		bus:       bus,
		opts:      opts,
		logger:    logger.With("component", "notify"),
	}
	d.Register(NewLogChannel(logger))
	for _, ch := range channels {
		d.Register(ch)
	}
	return d
}

// Register adds or replaces a channel under its name.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
}

// Channels returns the registered channel names.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch routes n to its channels.
func (d *Dispatcher) Dispatch(ctx context.Context, n *store.Notification) Result {
	return d.dispatch(ctx, n, false)
}

func (d *Dispatcher) dispatch(ctx context.Context, in *store.Notification, isEscalation bool) Result {
	n := copyNotification(in)
	now := d.opts.Now()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.Severity == "" {
		n.Severity = store.SeverityInfo
	}

	if d.dedup.Seen(n.DedupKey) {
		d.logger.Debug("duplicate notification suppressed", "dedup_key", n.DedupKey, "title", n.Title)
		return Result{NotificationID: n.ID, Success: true, Status: store.DeliverySkipped, SkipReason: SkipDuplicate}
	}

	if n.ExpiresAt != nil && !now.Before(*n.ExpiresAt) {
		d.dedup.Forget(n.DedupKey)
		n.Status = store.DeliverySkipped
		n.Error = SkipExpired
		d.save(ctx, n)
		d.logger.Info("expired notification skipped", "notification_id", n.ID, "title", n.Title)
		return Result{NotificationID: n.ID, Status: store.DeliverySkipped, SkipReason: SkipExpired}
	}

	if n.Severity != store.SeverityCritical && d.opts.QuietHours.Contains(now) {
		deliverAt := d.opts.QuietHours.NextEnd(now)
		n.Status = store.DeliveryQueued
		n.DeliverAt = &deliverAt
		d.save(ctx, n)
		d.logger.Info("notification deferred for quiet hours", "notification_id", n.ID, "deliver_at", deliverAt)
		d.publish(events.NotificationQueued, n, map[string]any{"deliver_at": deliverAt})
		return Result{NotificationID: n.ID, Success: true, Status: store.DeliveryQueued, DeliverAt: &deliverAt}
	}

	res := d.deliver(ctx, n)
	if !res.Success {
		d.dedup.Forget(n.DedupKey)
		return res
	}
	if n.Severity == store.SeverityCritical && !isEscalation {
		d.armEscalation(n)
	}
	return res
}

// deliver sends n to its resolved channels and persists the outcome.
func (d *Dispatcher) deliver(ctx context.Context, n *store.Notification) Result {
	targets, err := d.resolve(n)
	var delivered []string
	var failures []string
	if err != nil {
		failures = append(failures, err.Error())
	}

	if len(targets) > 0 {
		if len(targets) > 1 {
			for _, ch := range targets {
				if err := d.send(ctx, ch, n); err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", ch.Name(), err))
					continue
				}
				delivered = append(delivered, ch.Name())
			}
		} else {
			primary := targets[0]
			if err := d.send(ctx, primary, n); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", primary.Name(), err))
				if fb := d.fallbackFor(primary.Name()); fb != nil {
					d.logger.Warn("primary channel failed, trying fallback",
						"notification_id", n.ID,
						"primary", primary.Name(),
						"fallback", fb.Name(),
						"error", err,
					)
					if err := d.send(ctx, fb, n); err != nil {
						failures = append(failures, fmt.Sprintf("%s: %v", fb.Name(), err))
					} else {
						delivered = append(delivered, fb.Name())
					}
				}
			} else {
				delivered = append(delivered, primary.Name())
			}
		}
	}

	res := Result{NotificationID: n.ID, Channels: delivered}
	n.Channels = delivered
	n.DeliverAt = nil
	if len(delivered) > 0 {
		sentAt := d.opts.Now()
		n.Status = store.DeliverySent
		n.SentAt = &sentAt
		n.Error = strings.Join(failures, "; ")
		res.Success = true
		res.Status = store.DeliverySent
		res.Error = n.Error
	} else {
		n.Status = store.DeliveryFailed
		n.Error = strings.Join(failures, "; ")
		res.Status = store.DeliveryFailed
		res.Error = n.Error
	}
	d.save(ctx, n)

	if res.Success {
		d.logger.Info("notification sent", "notification_id", n.ID, "channels", delivered, "severity", n.Severity)
		d.publish(events.NotificationSent, n, map[string]any{"channels": delivered, "severity": string(n.Severity)})
	} else {
		d.logger.Error("notification delivery failed", "notification_id", n.ID, "error", res.Error)
		d.publish(events.NotificationFailed, n, map[string]any{"error": res.Error})
	}
	return res
}

// resolve picks channels: explicit override, then category table, then default.
func (d *Dispatcher) resolve(n *store.Notification) ([]Channel, error) {
	name := n.Channel
	if name == "" {
		name = d.opts.CategoryChannels[n.Category]
	}
	if name == "" {
		name = d.opts.DefaultChannel
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if name == ChannelBoth {
		var out []Channel
		for _, cn := range []string{d.opts.DefaultChannel, d.opts.FallbackChannel} {
			if ch, ok := d.channels[cn]; ok && !containsChannel(out, cn) {
				out = append(out, ch)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
		}
		return out, nil
	}

	ch, ok := d.channels[name]
	if !ok {
		// an unknown primary still gets the fallback
		if fb, ok := d.channels[d.opts.FallbackChannel]; ok {
			return []Channel{fb}, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return []Channel{ch}, nil
}

func (d *Dispatcher) fallbackFor(primary string) Channel {
	if d.opts.FallbackChannel == "" || d.opts.FallbackChannel == primary {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.channels[d.opts.FallbackChannel]
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, n *store.Notification) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return ch.Send(sendCtx, Message{
		NotificationID: n.ID,
		AgentID:        n.AgentID,
		IssueID:        n.IssueID,
		Category:       n.Category,
		Severity:       n.Severity,
		Title:          n.Title,
		Body:           n.Message,
		Payload:        n.Payload,
	})
}

// armEscalation re-dispatches an amplified copy of n unless cancelled first.
func (d *Dispatcher) armEscalation(n *store.Notification) {
	original := copyNotification(n)
	d.escalated.Schedule(n.ID, d.opts.EscalationDelay, func() {
		amplified := copyNotification(original)
		amplified.ID = uuid.New().String()
		amplified.Title = EscalatedPrefix + original.Title
		amplified.Severity = store.SeverityCritical
		amplified.Channel = ChannelBoth
		amplified.DedupKey = ""
		amplified.Status = ""
		amplified.Channels = nil
		amplified.Error = ""
		amplified.SentAt = nil
		amplified.CreatedAt = time.Time{}
		if amplified.Payload == nil {
			amplified.Payload = map[string]any{}
		}
		amplified.Payload["escalated_from"] = original.ID

		d.logger.Warn("=== NOTIFICATION ESCALATED ===", "notification_id", original.ID, "escalated_id", amplified.ID)
		d.publish(events.NotificationEscalated, original, map[string]any{"escalated_id": amplified.ID})
		d.dispatch(context.Background(), amplified, true)
	})
}

// CancelEscalation stops the pending self-escalation of a critical notification.
func (d *Dispatcher) CancelEscalation(notificationID string) bool {
	ok := d.escalated.Cancel(notificationID)
	if ok {
		d.logger.Info("notification escalation cancelled", "notification_id", notificationID)
	}
	return ok
}

// EscalationPending reports whether a self-escalation is armed for the notification.
func (d *Dispatcher) EscalationPending(notificationID string) bool {
	return d.escalated.Pending(notificationID)
}

// ProcessQueuedNotifications delivers notifications whose quiet-hours deferral
// has ended. Returns the number delivered.
func (d *Dispatcher) ProcessQueuedNotifications(ctx context.Context) (int, error) {
	now := d.opts.Now()
	due, err := d.store.ListDueNotifications(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing queued notifications: %w", err)
	}

	sent := 0
	for _, n := range due {
		if n.ExpiresAt != nil && !now.Before(*n.ExpiresAt) {
			n.Status = store.DeliverySkipped
			n.Error = SkipExpired
			n.DeliverAt = nil
			d.save(ctx, n)
			continue
		}
		if d.deliver(ctx, n).Success {
			sent++
		}
	}
	if len(due) > 0 {
		d.logger.Info("flushed queued notifications", "due", len(due), "sent", sent)
	}
	return sent, nil
}

// Run flushes queued notifications until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	timers.Every(ctx, d.opts.FlushInterval, func(ctx context.Context) {
		if _, err := d.ProcessQueuedNotifications(ctx); err != nil {
			d.logger.Error("flushing queued notifications", "error", err)
		}
		d.dedup.Prune()
	})
}

// Close cancels pending self-escalations.
func (d *Dispatcher) Close() {
	d.escalated.Stop()
}

func (d *Dispatcher) save(ctx context.Context, n *store.Notification) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.WriteTimeout)
	defer cancel()
	if err := d.store.SaveNotification(ctx, n); err != nil {
		d.logger.Error("failed to persist notification", "notification_id", n.ID, "status", n.Status, "error", err)
	}
}

func (d *Dispatcher) publish(t events.Type, n *store.Notification, data map[string]any) {
	if d.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["title"] = n.Title
	data["category"] = n.Category
	d.bus.Publish(events.Event{
		Type:           t,
		AgentID:        n.AgentID,
		IssueID:        n.IssueID,
		NotificationID: n.ID,
		Data:           data,
	})
}

func copyNotification(n *store.Notification) *store.Notification {
	c := *n
	c.Channels = append([]string(nil), n.Channels...)
	if n.Payload != nil {
		c.Payload = make(map[string]any, len(n.Payload))
		for k, v := range n.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

func containsChannel(chs []Channel, name string) bool {
	for _, ch := range chs {
		if ch.Name() == name {
			return true
		}
	}
	return false
}
