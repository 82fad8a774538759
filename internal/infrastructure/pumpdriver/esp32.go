package pumpdriver

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/domain/pump"
)

const (
	commandActivate = "ACTIVATE"
	commandStop     = "STOP"
)

type command struct {
	PumpID   string `json:"pump_id"`
	Duration int    `json:"duration,omitempty"`
	Command  string `json:"command"`
}

// ESP32 drives pump controllers that accept JSON commands over HTTP.
type ESP32 struct {
	http   *resty.Client
	logger zerolog.Logger
}

func NewESP32(baseURL string, logger zerolog.Logger) *ESP32 {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json")
	return &ESP32{
		http:   c,
		logger: logger.With().Str("component", "esp32_driver").Logger(),
	}
}

// Start sends the activation command; the device stops itself after duration (whole seconds, at least 1).
func (d *ESP32) Start(ctx context.Context, id pump.ID, duration time.Duration) error {
	secs := int(math.Ceil(duration.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return d.send(ctx, "/activate", command{PumpID: id.String(), Duration: secs, Command: commandActivate})
}

func (d *ESP32) Stop(ctx context.Context, id pump.ID) error {
	return d.send(ctx, "/deactivate", command{PumpID: id.String(), Command: commandStop})
}

func (d *ESP32) send(ctx context.Context, path string, cmd command) error {
	resp, err := d.http.R().SetContext(ctx).SetBody(cmd).Post(path)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("pump %s %s returned %d", cmd.PumpID, strings.ToLower(cmd.Command), resp.StatusCode())
	}
	d.logger.Info().Str("pump_id", cmd.PumpID).Str("command", cmd.Command).Int("duration", cmd.Duration).Msg("pump command acknowledged")
	return nil
}
