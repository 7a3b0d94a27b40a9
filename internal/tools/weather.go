package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultJMABaseURL      = "https://www.jma.go.jp/bosai/forecast/data/forecast"
	defaultWeatherTimeout  = 10 * time.Second
	defaultWeatherCacheTTL = 10 * time.Minute
	defaultWeatherTries    = 3
)

// Area locates a forecast in the JMA feed: Code selects the document,
// WeatherArea names the region carrying weather text and TempArea the
// city carrying temperatures.
type Area struct {
	Code        string
	WeatherArea string
	TempArea    string
}

var DefaultAreas = map[string]Area{
	"東京":    {Code: "130000", WeatherArea: "東京地方", TempArea: "東京"},
	"Tokyo": {Code: "130000", WeatherArea: "東京地方", TempArea: "東京"},
}

type WeatherInput struct {
	Location string `json:"location" jsonschema:"city name such as 東京"`
}

func (in WeatherInput) Validate() error {
	if strings.TrimSpace(in.Location) == "" {
		return errors.New("location is required")
	}
	return nil
}

type Temperature struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

type DailyForecast struct {
	Date        string       `json:"date"`
	Weather     string       `json:"weather"`
	Temperature *Temperature `json:"temperature,omitempty"`
}

type WeatherResult struct {
	Location         string          `json:"location"`
	AreaCode         string          `json:"area_code"`
	Forecast         []DailyForecast `json:"forecast"`
	PublishingOffice string          `json:"publishing_office"`
	ReportDatetime   string          `json:"report_datetime"`
}

type WeatherToolConfig struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	BaseURL    string
	Areas      map[string]Area
	CacheTTL   time.Duration
	MaxTries   uint
	// BackOff returns the retry policy for one fetch. Defaults to
	// exponential backoff.
	BackOff func() backoff.BackOff
}

func (cfg *WeatherToolConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultWeatherTimeout}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultJMABaseURL
	}
	if len(cfg.Areas) == 0 {
		cfg.Areas = DefaultAreas
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultWeatherCacheTTL
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultWeatherTries
	}
	if cfg.BackOff == nil {
		cfg.BackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return nil
}

// WeatherTool fetches forecasts from the Japan Meteorological Agency.
type WeatherTool struct {
	Tool

	log   *slog.Logger
	cfg   WeatherToolConfig
	cache *ttlcache.Cache[string, WeatherResult]
}

func NewWeatherTool(cfg WeatherToolConfig) (*WeatherTool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate weather tool config: %w", err)
	}
	t := &WeatherTool{
		log:   cfg.Logger,
		cfg:   cfg,
		cache: ttlcache.New(ttlcache.WithTTL[string, WeatherResult](cfg.CacheTTL)),
	}

	var err error
	t.Tool, err = New("get_weather",
		"Returns the weather forecast for a location: up to a week of dates with min/max temperatures, and weather text for the first three days. "+
			"Work out tomorrow, the weekend and so on from the returned dates. Supported locations: "+strings.Join(t.locations(), ", ")+".",
		t.forecast)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *WeatherTool) locations() []string {
	names := make([]string, 0, len(t.cfg.Areas))
	for name := range t.cfg.Areas {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (t *WeatherTool) forecast(ctx context.Context, in WeatherInput) (WeatherResult, error) {
	location := strings.TrimSpace(in.Location)
	area, ok := t.cfg.Areas[location]
	if !ok {
		return WeatherResult{}, fmt.Errorf("unsupported location %q, supported: %s", location, strings.Join(t.locations(), ", "))
	}

	if item := t.cache.Get(location); item != nil {
		return item.Value(), nil
	}

	docs, err := t.fetch(ctx, area.Code)
	if err != nil {
		return WeatherResult{}, err
	}
	res, err := parseForecast(docs, area)
	if err != nil {
		return WeatherResult{}, fmt.Errorf("failed to parse weather data: %w", err)
	}
	res.Location = location
	res.AreaCode = area.Code

	t.cache.Set(location, res, ttlcache.DefaultTTL)
	t.log.Info("weather: fetched forecast", "location", location, "days", len(res.Forecast))
	return res, nil
}

func (t *WeatherTool) fetch(ctx context.Context, code string) ([]jmaForecast, error) {
	url := fmt.Sprintf("%s/%s.json", strings.TrimRight(t.cfg.BaseURL, "/"), code)

	attempt := 0
	docs, err := backoff.Retry(ctx, func() ([]jmaForecast, error) {
		if attempt > 0 {
			t.log.Warn("weather: fetch failed, retrying", "attempt", attempt, "url", url)
		}
		attempt++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := t.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
			err := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		var docs []jmaForecast
		if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return docs, nil
	}, backoff.WithBackOff(t.cfg.BackOff()), backoff.WithMaxTries(t.cfg.MaxTries))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch weather data: %w", err)
	}
	return docs, nil
}

type jmaForecast struct {
	PublishingOffice string          `json:"publishingOffice"`
	ReportDatetime   string          `json:"reportDatetime"`
	TimeSeries       []jmaTimeSeries `json:"timeSeries"`
}

type jmaTimeSeries struct {
	TimeDefines []string  `json:"timeDefines"`
	Areas       []jmaArea `json:"areas"`
}

type jmaArea struct {
	Area struct {
		Name string `json:"name"`
		Code string `json:"code"`
	} `json:"area"`
	Weathers []string `json:"weathers"`
	TempsMin []string `json:"tempsMin"`
	TempsMax []string `json:"tempsMax"`
}

func findArea(areas []jmaArea, name string) *jmaArea {
	for i := range areas {
		if areas[i].Area.Name == name {
			return &areas[i]
		}
	}
	return nil
}

// parseForecast combines the short-term document (weather text for three
// days) with the weekly document (dates and temperatures).
func parseForecast(docs []jmaForecast, area Area) (WeatherResult, error) {
	if len(docs) < 2 {
		return WeatherResult{}, fmt.Errorf("expected 2 forecast documents, got %d", len(docs))
	}
	detail, weekly := docs[0], docs[1]

	if len(detail.TimeSeries) < 1 {
		return WeatherResult{}, errors.New("detailed forecast has no time series")
	}
	var weathers []string
	if a := findArea(detail.TimeSeries[0].Areas, area.WeatherArea); a != nil {
		weathers = a.Weathers
	}

	if len(weekly.TimeSeries) < 2 {
		return WeatherResult{}, errors.New("weekly forecast has fewer than 2 time series")
	}
	dates := weekly.TimeSeries[0].TimeDefines
	temps := findArea(weekly.TimeSeries[1].Areas, area.TempArea)
	if temps == nil {
		return WeatherResult{}, fmt.Errorf("no temperatures for %s", area.TempArea)
	}

	forecast := make([]DailyForecast, 0, len(dates))
	for i, d := range dates {
		day := DailyForecast{Date: d}
		if idx := strings.IndexByte(d, 'T'); idx >= 0 {
			day.Date = d[:idx]
		}
		if i < len(weathers) {
			day.Weather = SimplifyWeather(weathers[i])
		}
		var temp Temperature
		if i < len(temps.TempsMin) {
			temp.Min = temps.TempsMin[i]
		}
		if i < len(temps.TempsMax) {
			temp.Max = temps.TempsMax[i]
		}
		if temp.Min != "" || temp.Max != "" {
			day.Temperature = &temp
		}
		forecast = append(forecast, day)
	}

	return WeatherResult{
		Forecast:         forecast,
		PublishingOffice: weekly.PublishingOffice,
		ReportDatetime:   weekly.ReportDatetime,
	}, nil
}

var (
	weatherSpaces   = regexp.MustCompile(`[\s\x{3000}]+`)
	weatherReplacer = strings.NewReplacer("くもり", "曇り", "はれ", "晴れ", "から", "のち", "後", "のち")
	timeOfDayWords  = []string{"朝", "昼", "夕方", "夜", "昼前", "昼過ぎ", "明け方", "所により", "ところにより"}
)

// SimplifyWeather shortens JMA weather text, for example
// "くもり　夜　雨" to "曇り時々雨" and "晴れ　後　くもり" to "晴れのち曇り".
func SimplifyWeather(text string) string {
	if text == "" {
		return ""
	}
	text = weatherReplacer.Replace(text)
	text = weatherSpaces.ReplaceAllString(text, " ")

	var parts []string
	for _, p := range strings.Fields(text) {
		if !slices.Contains(timeOfDayWords, p) {
			parts = append(parts, p)
		}
	}

	switch len(parts) {
	case 0:
		return strings.TrimSpace(text)
	case 1:
		return parts[0]
	}
	for _, conj := range []string{"のち", "時々"} {
		idx := slices.Index(parts, conj)
		if idx < 0 {
			continue
		}
		if idx > 0 && idx+1 < len(parts) {
			return parts[idx-1] + conj + parts[idx+1]
		}
		break
	}
	return parts[0] + "時々" + parts[1]
}
