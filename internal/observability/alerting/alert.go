package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/mcp"
	"OpenMCP-Gate/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog  Channel = "log"
	ChannelChat Channel = "chat"
)

// Event 描述一次需要告警的事件，例如治理拒绝或计划运行中止。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	RunID      string
	Tool       string
	StepIndex  int
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// FromError 根据错误码属性构造事件。
func FromError(err error, runID string) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		RunID:      runID,
		StepIndex:  -1,
		OccurredAt: time.Now().UTC(),
	}
	if coded, ok := xerrors.From(err); ok {
		event.Message = coded.Message()
		event.Metadata = coded.Metadata()
	} else if err != nil {
		event.Message = err.Error()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把事件写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录一条审计日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("run_id", event.RunID),
		slog.String("tool", event.Tool),
		slog.Int("step", event.StepIndex),
		slog.Int("attempts", event.Attempts),
		slog.Time("occurred_at", event.OccurredAt),
	}
	for _, k := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta."+k, event.Metadata[k]))
	}
	l.Warn(event.Message, attrs...)
	return nil
}

// ToolNotifier 通过工具调用协议向聊天平台发送告警，例如 teams.post_message。
type ToolNotifier struct {
	Caller      mcp.Caller
	Tool        string
	Target      string
	TargetArg   string
	MessageArg  string
	TitlePrefix string
}

// Channel 返回聊天渠道。
func (n *ToolNotifier) Channel() Channel { return ChannelChat }

// Notify 调用聊天工具发送消息。
func (n *ToolNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Caller == nil || strings.TrimSpace(n.Tool) == "" {
		logger.L().Warn("ToolNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	targetArg := n.TargetArg
	if targetArg == "" {
		targetArg = "channel"
	}
	messageArg := n.MessageArg
	if messageArg == "" {
		messageArg = "text"
	}
	args := map[string]any{messageArg: n.format(event)}
	if n.Target != "" {
		args[targetArg] = n.Target
	}
	result, err := n.Caller.CallTool(ctx, n.Tool, args)
	if err != nil {
		return err
	}
	if result != nil && result.IsError {
		return fmt.Errorf("%s: %s", n.Tool, result.TextContent())
	}
	return nil
}

func (n *ToolNotifier) format(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s] %s - %s", n.TitlePrefix, event.Severity, event.Code, event.Message)
	if event.RunID != "" {
		fmt.Fprintf(&b, "\n运行: %s", event.RunID)
	}
	if event.Tool != "" {
		fmt.Fprintf(&b, "\n工具: %s (步骤 %d)", event.Tool, event.StepIndex)
	}
	if event.MaxRetries > 0 {
		fmt.Fprintf(&b, "\n重试: %d/%d", event.Attempts, event.MaxRetries)
	}
	for _, k := range sortedKeys(event.Metadata) {
		fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
