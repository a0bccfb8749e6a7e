package main

import (
	log "github.com/sirupsen/logrus"
)

// dashboardLogHook mirrors warn-and-above log lines to the dashboard so
// operators see problems without tailing the daemon's output.
type dashboardLogHook struct {
	hub *Hub
}

func (h *dashboardLogHook) Levels() []log.Level {
	return []log.Level{log.WarnLevel, log.ErrorLevel, log.FatalLevel, log.PanicLevel}
}

func (h *dashboardLogHook) Fire(entry *log.Entry) error {
	fields := make(map[string]any, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.hub.Send("logEntry", map[string]any{
		"level":   entry.Level.String(),
		"message": entry.Message,
		"fields":  fields,
		"time":    entry.Time,
	})
	return nil
}
