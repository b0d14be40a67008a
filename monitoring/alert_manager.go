package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelError    AlertLevel = "error"
	LevelCritical AlertLevel = "critical"
)

var levelRank = map[AlertLevel]int{
	LevelInfo:     0,
	LevelWarning:  1,
	LevelError:    2,
	LevelCritical: 3,
}

// ParseAlertLevel accepts the four level names; empty means error.
func ParseAlertLevel(s string) (AlertLevel, error) {
	level := AlertLevel(strings.ToLower(strings.TrimSpace(s)))
	if level == "" {
		return LevelError, nil
	}
	if _, ok := levelRank[level]; !ok {
		return "", fmt.Errorf("unknown alert level %q", s)
	}
	return level, nil
}

// Alert is one operational condition. Alerts sharing a Key are the same
// condition: while one is active, further sends only bump its Count.
type Alert struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Level      AlertLevel        `json:"level"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Source     string            `json:"source"`
	Count      int               `json:"count"`
	Timestamp  time.Time         `json:"timestamp"`
	Resolved   bool              `json:"resolved"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AlertChannel posts alerts at or above MinLevel to a JSON webhook.
type AlertChannel struct {
	Name       string
	URL        string
	MinLevel   AlertLevel
	MaxPerHour int
	Cooldown   time.Duration

	limiter  *rate.Limiter
	lastSent time.Time
}

type AlertStats struct {
	TotalAlerts    int64                `json:"total_alerts"`
	ActiveAlerts   int64                `json:"active_alerts"`
	ResolvedAlerts int64                `json:"resolved_alerts"`
	Deduplicated   int64                `json:"deduplicated"`
	ByLevel        map[AlertLevel]int64 `json:"by_level"`
	ByChannel      map[string]int64     `json:"by_channel"`
	LastAlert      time.Time            `json:"last_alert"`
}

const defaultAlertTemplate = `[SIGOR] {{.Level}}: {{.Title}}
{{.Message}}
{{.Timestamp.Format "2006-01-02 15:04:05"}}{{if gt .Count 1}} (x{{.Count}}){{end}}`

// AlertSystem keeps alert state and fans alerts out to webhook channels.
type AlertSystem struct {
	mu         sync.RWMutex
	alerts     map[string]*Alert
	active     map[string]string // key -> alert id
	channels   map[string]*AlertChannel
	httpClient *http.Client
	template   *template.Template
	stats      AlertStats
	logger     *zap.Logger
	now        func() time.Time
}

func NewAlertSystem(logger *zap.Logger) *AlertSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSystem{
		alerts:     make(map[string]*Alert),
		active:     make(map[string]string),
		channels:   make(map[string]*AlertChannel),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		template:   template.Must(template.New("alert").Parse(defaultAlertTemplate)),
		stats: AlertStats{
			ByLevel:   make(map[AlertLevel]int64),
			ByChannel: make(map[string]int64),
		},
		logger: logger,
		now:    time.Now,
	}
}

func (a *AlertSystem) AddChannel(channel *AlertChannel) error {
	if channel.Name == "" || channel.URL == "" {
		return fmt.Errorf("alert channel needs a name and a url")
	}
	if channel.MinLevel == "" {
		channel.MinLevel = LevelError
	}
	if _, ok := levelRank[channel.MinLevel]; !ok {
		return fmt.Errorf("unknown alert level %q", channel.MinLevel)
	}
	channel.limiter = rate.NewLimiter(rate.Inf, 0)
	if channel.MaxPerHour > 0 {
		channel.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(channel.MaxPerHour)), channel.MaxPerHour)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels[channel.Name] = channel
	a.logger.Info("Added alert channel", zap.String("channel", channel.Name), zap.String("min_level", string(channel.MinLevel)))
	return nil
}

// SendAlert records alert and delivers it to every eligible channel.
// Delivery errors from all channels are combined.
func (a *AlertSystem) SendAlert(ctx context.Context, alert *Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is nil")
	}
	if alert.Level == "" {
		alert.Level = LevelError
	}

	a.mu.Lock()
	if alert.Key != "" {
		if id, ok := a.active[alert.Key]; ok {
			existing := a.alerts[id]
			existing.Count++
			existing.Message = alert.Message
			a.stats.Deduplicated++
			a.mu.Unlock()
			a.logger.Debug("Alert deduplicated", zap.String("key", alert.Key), zap.Int("count", existing.Count))
			return nil
		}
	}
	alert.ID = uuid.NewString()
	alert.Count = 1
	if alert.Timestamp.IsZero() {
		alert.Timestamp = a.now()
	}
	a.alerts[alert.ID] = alert
	if alert.Key != "" {
		a.active[alert.Key] = alert.ID
	}
	a.stats.TotalAlerts++
	a.stats.ByLevel[alert.Level]++
	a.stats.LastAlert = alert.Timestamp
	targets := a.eligibleChannels(alert)
	snapshot := *alert
	a.mu.Unlock()

	a.logger.Warn("Alert raised",
		zap.String("id", snapshot.ID),
		zap.String("level", string(snapshot.Level)),
		zap.String("title", snapshot.Title),
		zap.String("message", snapshot.Message))

	var errs error
	for _, channel := range targets {
		if err := a.post(ctx, channel, &snapshot); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("channel %s: %w", channel.Name, err))
			continue
		}
		a.mu.Lock()
		a.stats.ByChannel[channel.Name]++
		a.mu.Unlock()
	}
	return errs
}

// eligibleChannels applies level filters, cooldowns and rate limits.
// Callers hold a.mu.
func (a *AlertSystem) eligibleChannels(alert *Alert) []*AlertChannel {
	now := a.now()
	names := make([]string, 0, len(a.channels))
	for name := range a.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*AlertChannel
	for _, name := range names {
		channel := a.channels[name]
		if levelRank[alert.Level] < levelRank[channel.MinLevel] {
			continue
		}
		if channel.Cooldown > 0 && !channel.lastSent.IsZero() && now.Sub(channel.lastSent) < channel.Cooldown {
			a.logger.Debug("Alert channel cooling down", zap.String("channel", name))
			continue
		}
		if !channel.limiter.AllowN(now, 1) {
			a.logger.Debug("Alert channel rate limited", zap.String("channel", name))
			continue
		}
		channel.lastSent = now
		out = append(out, channel)
	}
	return out
}

type webhookPayload struct {
	Text  string `json:"text"`
	Alert *Alert `json:"alert"`
}

func (a *AlertSystem) post(ctx context.Context, channel *AlertChannel, alert *Alert) error {
	var text bytes.Buffer
	if err := a.template.Execute(&text, alert); err != nil {
		return fmt.Errorf("render alert: %w", err)
	}
	data, err := json.Marshal(webhookPayload{Text: text.String(), Alert: alert})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// ResolveKey resolves the active alert for key and reports whether there
// was one.
func (a *AlertSystem) ResolveKey(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.active[key]
	if !ok {
		return false
	}
	a.resolveLocked(id)
	return true
}

// ResolveAlert resolves one alert by id. Resolving twice is not an error.
func (a *AlertSystem) ResolveAlert(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alert, exists := a.alerts[id]
	if !exists {
		return fmt.Errorf("alert %s not found", id)
	}
	if !alert.Resolved {
		a.resolveLocked(id)
	}
	return nil
}

func (a *AlertSystem) resolveLocked(id string) {
	alert := a.alerts[id]
	now := a.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	if alert.Key != "" && a.active[alert.Key] == id {
		delete(a.active, alert.Key)
	}
	a.stats.ResolvedAlerts++
	a.logger.Info("Alert resolved", zap.String("id", id), zap.String("key", alert.Key))
}

// GetAlert returns a copy of the alert with id.
func (a *AlertSystem) GetAlert(id string) (Alert, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	alert, exists := a.alerts[id]
	if !exists {
		return Alert{}, false
	}
	return *alert, true
}

// ActiveAlerts lists unresolved alerts, newest first.
func (a *AlertSystem) ActiveAlerts() []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	active := make([]Alert, 0, len(a.alerts))
	for _, alert := range a.alerts {
		if !alert.Resolved {
			active = append(active, *alert)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Timestamp.After(active[j].Timestamp)
	})
	return active
}

func (a *AlertSystem) GetStats() AlertStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := a.stats
	stats.ByLevel = make(map[AlertLevel]int64, len(a.stats.ByLevel))
	for k, v := range a.stats.ByLevel {
		stats.ByLevel[k] = v
	}
	stats.ByChannel = make(map[string]int64, len(a.stats.ByChannel))
	for k, v := range a.stats.ByChannel {
		stats.ByChannel[k] = v
	}
	stats.ActiveAlerts = int64(len(a.active))
	for _, alert := range a.alerts {
		if !alert.Resolved && alert.Key == "" {
			stats.ActiveAlerts++
		}
	}
	return stats
}
