package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/concierge/internal/duck"
)

type UserProfileInput struct {
	ProfileID string `json:"profile_id" jsonschema:"profile id of the current user"`
}

func (in UserProfileInput) Validate() error {
	if strings.TrimSpace(in.ProfileID) == "" {
		return errors.New("profile_id is required")
	}
	return nil
}

type UserProfile struct {
	ProfileID        string `json:"profile_id"`
	Age              string `json:"age"`
	Gender           string `json:"gender"`
	UserType         string `json:"user_type"`
	PrimaryStoreID   string `json:"primary_store_id"`
	PrimaryStoreName string `json:"primary_store_name"`
	Visits           string `json:"visits"`
	Narrative        string `json:"narrative"`
}

type UserProfileToolConfig struct {
	Logger *slog.Logger
	DB     duck.DB
	// Path is the narrative CSV file.
	Path string
}

func (cfg *UserProfileToolConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// NewUserProfileTool returns get_user_profile, which reads one row of the
// narrative dataset.
func NewUserProfileTool(cfg UserProfileToolConfig) (Tool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate user profile tool config: %w", err)
	}
	q := fmt.Sprintf(`SELECT profile_id, age, gender, user_type, primary_store_id, primary_store_name, visits, narrative
		FROM read_csv('%s', all_varchar = true)
		WHERE profile_id = ?
		LIMIT 1`, strings.ReplaceAll(cfg.Path, "'", "''"))

	return New("get_user_profile",
		"Returns the profile of a user: age, gender, user type, primary store, visit count and a narrative of their habits and preferences. profile_id: the user's profile id.",
		func(ctx context.Context, in UserProfileInput) (UserProfile, error) {
			id := strings.TrimSpace(in.ProfileID)
			res, err := duck.Query(ctx, cfg.DB, 1, q, id)
			if err != nil {
				return UserProfile{}, fmt.Errorf("failed to read user profile: %w", err)
			}
			if res.Count == 0 {
				return UserProfile{}, fmt.Errorf("user not found: %s", id)
			}
			row := res.Rows[0]
			cfg.Logger.Debug("profile: loaded user profile", "profile_id", id)
			return UserProfile{
				ProfileID:        str(row["profile_id"]),
				Age:              str(row["age"]),
				Gender:           str(row["gender"]),
				UserType:         str(row["user_type"]),
				PrimaryStoreID:   str(row["primary_store_id"]),
				PrimaryStoreName: str(row["primary_store_name"]),
				Visits:           str(row["visits"]),
				Narrative:        str(row["narrative"]),
			}, nil
		})
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
