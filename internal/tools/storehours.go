package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/concierge/internal/dataset"
	"github.com/malbeclabs/concierge/internal/duck"
)

const scheduleCacheTTL = time.Hour

type StoreHoursInput struct {
	StoreName string `json:"store_name" jsonschema:"store name or part of it"`
	Timezone  string `json:"timezone,omitempty" jsonschema:"IANA time zone name; defaults to the concierge time zone"`
}

func (in StoreHoursInput) Validate() error {
	if strings.TrimSpace(in.StoreName) == "" {
		return errors.New("store_name is required")
	}
	return nil
}

// StoreHoursResult reports whether a store is open. IsOpen is null when
// the store's hours are unknown or unreadable.
type StoreHoursResult struct {
	StoreName         string   `json:"store_name"`
	CurrentTime       string   `json:"current_time"`
	CurrentDay        string   `json:"current_day,omitempty"`
	IsOpen            *bool    `json:"is_open"`
	OpeningHoursToday []string `json:"opening_hours_today,omitempty"`
	Message           string   `json:"message"`
}

type period struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

type closure struct {
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

// schedule is opening_hours keyed by lower-case English weekday. A day
// with no key is a regular closing day.
type schedule map[string][]period

type StoreHoursToolConfig struct {
	Logger   *slog.Logger
	DB       duck.DB
	Stores   dataset.Dataset
	Clock    clockwork.Clock
	Location *time.Location
}

func (cfg *StoreHoursToolConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if cfg.Stores.Path == "" {
		return errors.New("stores dataset path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return nil
}

type StoreHoursTool struct {
	Tool

	log   *slog.Logger
	cfg   StoreHoursToolConfig
	cache *ristretto.Cache
}

func NewStoreHoursTool(cfg StoreHoursToolConfig) (*StoreHoursTool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate store hours tool config: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule cache: %w", err)
	}

	t := &StoreHoursTool{
		log:   cfg.Logger,
		cfg:   cfg,
		cache: cache,
	}
	t.Tool, err = New("check_store_hours",
		"Checks whether a store is open right now from its opening hours and irregular closures. store_name: store name or part of it. timezone: optional IANA name, defaults to "+cfg.Location.String()+".",
		t.check)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *StoreHoursTool) check(ctx context.Context, in StoreHoursInput) (StoreHoursResult, error) {
	loc := t.cfg.Location
	if in.Timezone != "" {
		z, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return StoreHoursResult{}, fmt.Errorf("failed to load time zone %q: %w", in.Timezone, err)
		}
		loc = z
	}
	now := t.cfg.Clock.Now().In(loc)

	name, hours, closures, err := t.lookup(ctx, in.StoreName)
	if err != nil {
		return StoreHoursResult{}, err
	}

	res := StoreHoursResult{
		StoreName:   name,
		CurrentTime: now.Format(TimeLayout),
		CurrentDay:  now.Weekday().String(),
	}

	if strings.TrimSpace(hours) == "" {
		res.Message = "No opening hours are available for this store."
		return res, nil
	}
	sched, err := t.parseSchedule(hours)
	if err != nil {
		t.log.Warn("store hours: invalid opening hours", "store", name, "error", err)
		res.Message = "The opening hours data for this store is in an invalid format."
		return res, nil
	}

	open := false
	periods, ok := sched[strings.ToLower(now.Weekday().String())]
	if !ok {
		res.IsOpen = &open
		res.OpeningHoursToday = []string{"closed"}
		res.Message = fmt.Sprintf("Today (%s) is a regular closing day.", now.Weekday())
		return res, nil
	}

	for _, p := range periods {
		openAt, err1 := clockSeconds(p.Open)
		closeAt, err2 := clockSeconds(p.Close)
		if err1 != nil || err2 != nil {
			continue
		}
		res.OpeningHoursToday = append(res.OpeningHoursToday, p.Open+"-"+p.Close)
		if within(secondsOfDay(now), openAt, closeAt) {
			open = true
		}
	}

	closedFor := ""
	if reason, ok := closedToday(closures, now); ok {
		open = false
		closedFor = reason
	}
	res.IsOpen = &open

	switch {
	case closedFor != "":
		res.Message = "Closed today (reason: " + closedFor + ")."
	case open:
		res.Message = "Open now."
	case len(res.OpeningHoursToday) == 0:
		res.OpeningHoursToday = []string{"closed"}
		res.Message = "Closed today."
	default:
		res.Message = "Currently outside opening hours."
	}
	return res, nil
}

// lookup returns the first store, in file order, whose name contains
// query case-insensitively.
func (t *StoreHoursTool) lookup(ctx context.Context, query string) (string, string, string, error) {
	conn, err := t.cfg.DB.Conn(ctx)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var name string
	var hours, closures sql.NullString
	q := fmt.Sprintf(`SELECT store_name, opening_hours, irregular_closures
		FROM read_csv('%s', all_varchar = true)
		WHERE contains(lower(store_name), lower(?))
		LIMIT 1`, strings.ReplaceAll(t.cfg.Stores.Path, "'", "''"))
	err = conn.QueryRowContext(ctx, q, strings.TrimSpace(query)).Scan(&name, &hours, &closures)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", "", fmt.Errorf("store %q was not found", query)
	}
	if err != nil {
		return "", "", "", fmt.Errorf("failed to look up store: %w", err)
	}
	return name, hours.String, closures.String, nil
}

func (t *StoreHoursTool) parseSchedule(raw string) (schedule, error) {
	if v, ok := t.cache.Get(raw); ok {
		return v.(schedule), nil
	}
	var s schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	t.cache.SetWithTTL(raw, s, 1, scheduleCacheTTL)
	return s, nil
}

func closedToday(raw string, now time.Time) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	var closures []closure
	if err := json.Unmarshal([]byte(raw), &closures); err != nil {
		return "", false
	}
	today := now.Format(time.DateOnly)
	for _, c := range closures {
		if c.Date == today {
			if c.Reason == "" {
				return "unknown", true
			}
			return c.Reason, true
		}
	}
	return "", false
}

func clockSeconds(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, err
	}
	return t.Hour()*3600 + t.Minute()*60, nil
}

func secondsOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

// within reports whether now falls in [openAt, closeAt]. A closing time
// before the opening time spans midnight.
func within(now, openAt, closeAt int) bool {
	if closeAt < openAt {
		return now >= openAt || now <= closeAt
	}
	return now >= openAt && now <= closeAt
}
