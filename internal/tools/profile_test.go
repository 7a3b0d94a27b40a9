package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTools_UserProfile(t *testing.T) {
	t.Parallel()

	t.Run("validates config", func(t *testing.T) {
		t.Parallel()

		_, err := NewUserProfileTool(UserProfileToolConfig{DB: &failingDB{}, Path: "x"})
		require.ErrorContains(t, err, "logger is required")
		_, err = NewUserProfileTool(UserProfileToolConfig{Logger: testLogger(), Path: "x"})
		require.ErrorContains(t, err, "database is required")
		_, err = NewUserProfileTool(UserProfileToolConfig{Logger: testLogger(), DB: &failingDB{}})
		require.ErrorContains(t, err, "path is required")
	})

	tool, err := NewUserProfileTool(UserProfileToolConfig{Logger: testLogger(), DB: testDB(t), Path: profilesPath(t)})
	require.NoError(t, err)

	t.Run("returns the profile", func(t *testing.T) {
		t.Parallel()

		out, err := tool.Call(t.Context(), json.RawMessage(`{"profile_id":"P002"}`))
		require.NoError(t, err)
		require.False(t, out.IsError, out.Text())

		p := out.Value.(UserProfile)
		require.Equal(t, "P002", p.ProfileID)
		require.Equal(t, "58", p.Age)
		require.Equal(t, "office_worker", p.UserType)
		require.Equal(t, "鮨 麻布", p.PrimaryStoreName)
		require.Equal(t, "12", p.Visits)
		require.Contains(t, p.Narrative, "ギフト")
	})

	t.Run("reports unknown profiles", func(t *testing.T) {
		t.Parallel()

		out, err := tool.Call(t.Context(), json.RawMessage(`{"profile_id":"P999"}`))
		require.NoError(t, err)
		require.True(t, out.IsError)
		require.Equal(t, ErrorResult{Error: "user not found: P999"}, out.Value)
	})

	t.Run("requires a profile id", func(t *testing.T) {
		t.Parallel()

		out, err := tool.Call(t.Context(), json.RawMessage(`{"profile_id":"  "}`))
		require.NoError(t, err)
		require.True(t, out.IsError)
	})
}

func TestTools_NewDefaultRegistry(t *testing.T) {
	t.Parallel()

	datasets, err := testDatasetList(t)
	require.NoError(t, err)

	reg, err := NewDefaultRegistry(Config{
		Logger:       testLogger(),
		DB:           testDB(t),
		Datasets:     datasets,
		Location:     tokyo(t),
		ProfilesPath: profilesPath(t),
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"get_current_time",
		"multiply",
		"search_events",
		"search_stores",
		"search_products",
		"check_store_hours",
		"get_weather",
		"get_user_profile",
	}, reg.Names())

	_, err = NewDefaultRegistry(Config{Logger: testLogger(), DB: testDB(t)})
	require.ErrorContains(t, err, "datasets are required")
}
