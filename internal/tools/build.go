package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/concierge/internal/dataset"
	"github.com/malbeclabs/concierge/internal/duck"
)

// StoresDataset is the dataset check_store_hours reads.
const StoresDataset = "search_stores"

type Config struct {
	Logger   *slog.Logger
	DB       duck.DB
	Datasets []dataset.Dataset
	MaxRows  int
	Clock    clockwork.Clock
	Location *time.Location

	// ProfilesPath enables get_user_profile when set.
	ProfilesPath string
	// WeatherHTTPClient and WeatherBaseURL override the JMA endpoint.
	WeatherHTTPClient *http.Client
	WeatherBaseURL    string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if len(cfg.Datasets) == 0 {
		return errors.New("datasets are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return nil
}

// NewDefaultRegistry builds the concierge tool set.
func NewDefaultRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate tools config: %w", err)
	}

	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	add := func(t Tool, err error) error {
		if err != nil {
			return err
		}
		return reg.Register(t)
	}

	if err := add(NewCurrentTimeTool(cfg.Clock, cfg.Location)); err != nil {
		return nil, err
	}
	if err := add(NewMultiplyTool()); err != nil {
		return nil, err
	}

	searches, err := NewSearchTools(cfg.Logger, cfg.DB, cfg.Datasets, cfg.MaxRows)
	if err != nil {
		return nil, err
	}
	for _, t := range searches {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}

	for _, ds := range cfg.Datasets {
		if ds.Name != StoresDataset {
			continue
		}
		hours, err := NewStoreHoursTool(StoreHoursToolConfig{
			Logger:   cfg.Logger,
			DB:       cfg.DB,
			Stores:   ds,
			Clock:    cfg.Clock,
			Location: cfg.Location,
		})
		if err := add(hours, err); err != nil {
			return nil, err
		}
	}

	weather, err := NewWeatherTool(WeatherToolConfig{
		Logger:     cfg.Logger,
		HTTPClient: cfg.WeatherHTTPClient,
		BaseURL:    cfg.WeatherBaseURL,
	})
	if err := add(weather, err); err != nil {
		return nil, err
	}

	if cfg.ProfilesPath != "" {
		if err := add(NewUserProfileTool(UserProfileToolConfig{
			Logger: cfg.Logger,
			DB:     cfg.DB,
			Path:   cfg.ProfilesPath,
		})); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
