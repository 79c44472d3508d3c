// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// SlogBridge implements slog.Handler on top of the zerolog backend so
// that libraries requiring an *slog.Logger (sutureslog in particular)
// share the process log stream.
type SlogBridge struct {
	logger zerolog.Logger
	attrs  []slog.Attr
	groups []string
}

// NewSlogLogger returns an *slog.Logger that writes through the global
// zerolog logger.
func NewSlogLogger() *slog.Logger {
	return slog.New(&SlogBridge{logger: Logger()})
}

func (b *SlogBridge) Enabled(_ context.Context, level slog.Level) bool {
	return b.logger.GetLevel() <= slogLevel(level)
}

func (b *SlogBridge) Handle(_ context.Context, record slog.Record) error {
	event := b.logger.WithLevel(slogLevel(record.Level))
	for _, attr := range b.attrs {
		event = bridgeAttr(event, attr, b.groups)
	}
	record.Attrs(func(attr slog.Attr) bool {
		event = bridgeAttr(event, attr, b.groups)
		return true
	})
	event.Msg(record.Message)
	return nil
}

func (b *SlogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(b.attrs)+len(attrs))
	merged = append(merged, b.attrs...)
	merged = append(merged, attrs...)
	return &SlogBridge{logger: b.logger, attrs: merged, groups: b.groups}
}

func (b *SlogBridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}
	groups := make([]string, 0, len(b.groups)+1)
	groups = append(groups, b.groups...)
	groups = append(groups, name)
	return &SlogBridge{logger: b.logger, attrs: b.attrs, groups: groups}
}

func bridgeAttr(event *zerolog.Event, attr slog.Attr, groups []string) *zerolog.Event {
	key := attr.Key
	for _, g := range groups {
		key = g + "." + key
	}

	switch attr.Value.Kind() {
	case slog.KindString:
		return event.Str(key, attr.Value.String())
	case slog.KindInt64:
		return event.Int64(key, attr.Value.Int64())
	case slog.KindUint64:
		return event.Uint64(key, attr.Value.Uint64())
	case slog.KindFloat64:
		return event.Float64(key, attr.Value.Float64())
	case slog.KindBool:
		return event.Bool(key, attr.Value.Bool())
	case slog.KindDuration:
		return event.Dur(key, attr.Value.Duration())
	case slog.KindTime:
		return event.Time(key, attr.Value.Time())
	case slog.KindGroup:
		for _, ga := range attr.Value.Group() {
			event = bridgeAttr(event, ga, append(groups, attr.Key))
		}
		return event
	default:
		return event.Interface(key, attr.Value.Any())
	}
}

func slogLevel(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
