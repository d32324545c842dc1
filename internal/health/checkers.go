package health

import (
	"context"
	"time"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/status"
)

// StatusChannelChecker reports the status file's current value. An
// unreadable or missing file is a critical failure: neither process can
// make progress without it.
type StatusChannelChecker struct {
	channel *status.Channel
}

func NewStatusChannelChecker(channel *status.Channel) *StatusChannelChecker {
	return &StatusChannelChecker{channel: channel}
}

func (s *StatusChannelChecker) Name() string           { return "status_channel" }
func (s *StatusChannelChecker) IsCritical() bool       { return true }
func (s *StatusChannelChecker) Timeout() time.Duration { return 2 * time.Second }

func (s *StatusChannelChecker) Check(context.Context) Result {
	details := map[string]interface{}{"path": s.channel.Path()}
	v, err := s.channel.Read()
	if err != nil {
		return Result{Status: StatusUnhealthy, Message: "Status channel unreadable", Error: err.Error(), Details: details}
	}
	details["value"] = string(v)
	return Result{Status: StatusHealthy, Details: details}
}

// FuncChecker turns fn into a Checker. A nil error is healthy; details are
// reported either way.
type FuncChecker struct {
	name     string
	critical bool
	fn       func(ctx context.Context) (map[string]interface{}, error)
}

func NewFuncChecker(name string, critical bool, fn func(ctx context.Context) (map[string]interface{}, error)) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, fn: fn}
}

func (f *FuncChecker) Name() string           { return f.name }
func (f *FuncChecker) IsCritical() bool       { return f.critical }
func (f *FuncChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (f *FuncChecker) Check(ctx context.Context) Result {
	details, err := f.fn(ctx)
	if err != nil {
		return Result{Status: StatusUnhealthy, Message: f.name + " check failed", Error: err.Error(), Details: details}
	}
	return Result{Status: StatusHealthy, Details: details}
}
