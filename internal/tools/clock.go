package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

const TimeLayout = "2006-01-02 15:04:05"

type CurrentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"IANA time zone name such as Asia/Tokyo or America/New_York"`
}

type CurrentTimeResult struct {
	Timezone    string `json:"timezone"`
	CurrentTime string `json:"current_time"`
	Weekday     string `json:"weekday"`
}

// NewCurrentTimeTool returns get_current_time. An empty timezone falls back
// to loc.
func NewCurrentTimeTool(clock clockwork.Clock, loc *time.Location) (Tool, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.UTC
	}
	return New("get_current_time",
		"Returns the current time in a time zone. timezone: IANA name such as 'Asia/Tokyo' or 'America/New_York'; defaults to "+loc.String()+".",
		func(_ context.Context, in CurrentTimeInput) (CurrentTimeResult, error) {
			zone := loc
			if in.Timezone != "" {
				z, err := time.LoadLocation(in.Timezone)
				if err != nil {
					return CurrentTimeResult{}, fmt.Errorf("failed to load time zone %q: %w", in.Timezone, err)
				}
				zone = z
			}
			now := clock.Now().In(zone)
			return CurrentTimeResult{
				Timezone:    zone.String(),
				CurrentTime: now.Format(TimeLayout),
				Weekday:     now.Weekday().String(),
			}, nil
		})
}
