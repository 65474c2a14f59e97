// Package applog provides the structured event logger shared by every
// component in this module. The interface mirrors the event-map shape
// used throughout the retrieved corpus's provider bridges; the default
// implementation backs it with zap instead of a hand-rolled JSONL
// writer.
package applog

import "go.uber.org/zap"

// Logger is deliberately narrow: one method, a flat event map. Any
// component that wants to explain a drop, a retry, or a state
// transition calls Log with a "component"/"event" pair plus whatever
// fields are relevant.
type Logger interface {
	Log(event map[string]any)
}

// Nop discards every event; useful in tests that don't care about log
// output.
type Nop struct{}

func (Nop) Log(map[string]any) {}

// Zap backs Logger with a zap.SugaredLogger.
type Zap struct {
	sugar *zap.SugaredLogger
}

func NewZap(sugar *zap.SugaredLogger) *Zap {
	return &Zap{sugar: sugar}
}

// NewProduction builds a Zap logger using zap's production config,
// matching the structured-JSON-to-stderr convention the wider corpus
// reaches for when it isn't hand-rolling JSONL.
func NewProduction() (*Zap, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZap(logger.Sugar()), nil
}

func (z *Zap) Log(event map[string]any) {
	if z == nil || z.sugar == nil {
		return
	}
	level, _ := event["level"].(string)
	message, _ := event["event"].(string)
	if message == "" {
		message = "event"
	}
	args := make([]any, 0, len(event)*2)
	for key, value := range event {
		if key == "level" || key == "event" {
			continue
		}
		args = append(args, key, value)
	}
	switch level {
	case "error":
		z.sugar.Errorw(message, args...)
	case "warn":
		z.sugar.Warnw(message, args...)
	default:
		z.sugar.Infow(message, args...)
	}
}
