// Package eventlog provides the structured logging surface: one JSON log
// stream per Modbus device for connect/disconnect and write-failure lines,
// and a shared structured logger for lifecycle Events.
package eventlog

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// NewDeviceLogger opens (creating if necessary) a per-device JSON log file
// at dir/name.log. Connect/disconnect and fatal-write lines for that
// ModbusWorker are written through the returned logger.
func NewDeviceLogger(dir, name string) (*logrus.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(f)
	l.SetLevel(logrus.InfoLevel)
	return l, nil
}

// NewEventLogger returns a logger for the machine/event_type structured
// lines emitted alongside every persisted Event. The only timestamp on a
// line is the formatter's own logging time.
func NewEventLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// LogEvent writes one structured line for a lifecycle event.
func LogEvent(l *logrus.Logger, machineID, eventType string, payload map[string]any) {
	l.WithFields(logrus.Fields{
		"machine":    machineID,
		"event_type": eventType,
	}).WithFields(payload).Info(eventType)
}

// LogDeviceState writes a connect/disconnect transition line for a Modbus
// device.
func LogDeviceState(l *logrus.Logger, connected bool, errText string) {
	entry := l.WithField("connected", connected)
	if errText != "" {
		entry = entry.WithField("error", errText)
	}
	if connected {
		entry.Info("device connected")
	} else {
		entry.Warn("device disconnected")
	}
}
