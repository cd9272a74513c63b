package location

import (
	"fmt"
	"log/slog"

	"github.com/terrascout/fieldmap/internal/config"
)

// NewSource builds the configured source and the options to start it with.
func NewSource(cfg config.LocationConfig, logger *slog.Logger) (Source, Options, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := Options{
		AccuracyClass:     ParseAccuracyClass(cfg.AccuracyClass),
		MinDistanceMeters: cfg.MinDistanceMeters,
		MinInterval:       cfg.MinInterval,
	}
	switch cfg.Source {
	case "gpsd":
		return NewGPSD(cfg.GPSDAddress, WithLogger(logger)), opts, nil
	case "replay":
		r, err := LoadReplay(cfg.ReplayFile, cfg.ReplayInterval)
		if err != nil {
			return nil, opts, err
		}
		return r, opts, nil
	case "", "none":
		return Disabled{}, opts, nil
	}
	return nil, opts, fmt.Errorf("unknown location source %q", cfg.Source)
}
