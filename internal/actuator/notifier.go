package actuator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gpuwatch/internal/policy"
)

// DefaultAlertInterval bounds how often one target can raise the same alert.
const DefaultAlertInterval = 5 * time.Minute

// Notifier emits alerts as structured log records, rate-limited per policy
// and target so a stuck condition cannot flood the log.
type Notifier struct {
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier returns a notifier. interval <= 0 selects DefaultAlertInterval.
func NewNotifier(logger *slog.Logger, interval time.Duration) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultAlertInterval
	}
	return &Notifier{logger: logger, interval: interval, limiters: map[string]*rate.Limiter{}}
}

// Apply logs the alert unless the target is within its rate limit, in which
// case it returns policy.ErrRateLimited. The limiter runs on the decision
// timestamp.
func (n *Notifier) Apply(_ context.Context, req policy.Request) error {
	msg := ""
	channel := ""
	if a, ok := req.Action.(policy.Alert); ok {
		msg, channel = a.Message, a.Channel
	}
	if !n.allow(req.Policy+"/"+req.Target, req.At) {
		n.logger.Debug("alert rate limited", "policy", req.Policy, "target", req.Target)
		return policy.ErrRateLimited
	}
	level := slog.LevelWarn
	if req.Severity == policy.SeverityCritical {
		level = slog.LevelError
	} else if req.Severity == policy.SeverityInfo {
		level = slog.LevelInfo
	}
	n.logger.Log(context.Background(), level, "policy alert",
		"policy", req.Policy,
		"target", req.Target,
		"message", msg,
		"channel", channel,
		"value", req.Value,
		"condition", req.Condition.String(),
		"correlation_id", req.CorrelationID,
	)
	return nil
}

func (n *Notifier) allow(key string, at time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	lim, ok := n.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(n.interval), 1)
		n.limiters[key] = lim
	}
	return lim.AllowN(at, 1)
}
