// Package sensors reads vehicle sensor inputs and feeds them onto the
// event bus. Only the serial GPS receiver is implemented.
package sensors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/jacobsa/go-serial/serial"

	"github.com/DigZan/CarPi/internal/bus"
	"github.com/DigZan/CarPi/internal/config"
)

// TopicGPS carries one event per parsed NMEA sentence:
// {ts, sentence, raw} plus {lat, lon} when the sentence has a fix.
const TopicGPS = "sensor.gps"

// Recorder persists readings. Satisfied by *store.Store.
type Recorder interface {
	InsertSensorReading(ctx context.Context, sensor string, ts time.Time, data map[string]any) error
}

// GPS reads NMEA sentences from a serial port, publishes each parsed
// sentence on the bus and persists it. The port is reopened after a
// fixed delay whenever reading fails, until the context ends.
type GPS struct {
	cfg    config.GPSConfig
	events *bus.Bus
	db     Recorder

	// openPort is replaced by tests.
	openPort   func() (io.ReadCloser, error)
	retryDelay time.Duration
}

func NewGPS(cfg config.GPSConfig, events *bus.Bus, db Recorder) *GPS {
	return &GPS{
		cfg:    cfg,
		events: events,
		db:     db,
		openPort: func() (io.ReadCloser, error) {
			return serial.Open(serial.OpenOptions{
				PortName:        cfg.SerialPort,
				BaudRate:        cfg.Baud,
				DataBits:        8,
				StopBits:        1,
				MinimumReadSize: 1,
			})
		},
		retryDelay: time.Second,
	}
}

func (g *GPS) Run(ctx context.Context) error {
	for {
		if err := g.readPort(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("gps reader stopped", "port", g.cfg.SerialPort, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.retryDelay):
		}
	}
}

// readPort runs one open-read-close cycle. Unparseable lines are
// dropped without logging since consumer-grade receivers emit plenty
// of proprietary sentences.
func (g *GPS) readPort(ctx context.Context) error {
	port, err := g.openPort()
	if err != nil {
		return fmt.Errorf("open %s: %w", g.cfg.SerialPort, err)
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// Unblocks a pending Read when the daemon shuts down.
		select {
		case <-ctx.Done():
			port.Close()
		case <-stop:
			port.Close()
		}
	}()
	slog.Info("gps port opened", "port", g.cfg.SerialPort, "baud", g.cfg.Baud)

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			continue
		}
		g.record(ctx, sentence, line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read %s: %w", g.cfg.SerialPort, err)
	}
	return nil
}

func (g *GPS) record(ctx context.Context, sentence nmea.Sentence, raw string) {
	ts := time.Now().UTC()
	data := map[string]any{
		"sentence": sentence.DataType(),
		"raw":      raw,
	}
	switch s := sentence.(type) {
	case nmea.RMC:
		if s.Validity == nmea.ValidRMC {
			data["lat"] = s.Latitude
			data["lon"] = s.Longitude
		}
	case nmea.GGA:
		if s.FixQuality != nmea.Invalid {
			data["lat"] = s.Latitude
			data["lon"] = s.Longitude
		}
	}

	if err := g.db.InsertSensorReading(ctx, "gps", ts, data); err != nil {
		slog.Warn("gps reading not persisted", "error", err)
	}

	ev := bus.Event{"ts": ts.Format(time.RFC3339)}
	for k, v := range data {
		ev[k] = v
	}
	g.events.Publish(TopicGPS, ev)
}
