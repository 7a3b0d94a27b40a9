package tools

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestTools_StoreHours(t *testing.T) {
	t.Parallel()

	datasets := testDatasets(t)
	db := testDB(t)
	loc := tokyo(t)

	check := func(t *testing.T, at time.Time, storeName string) Output {
		t.Helper()
		tool, err := NewStoreHoursTool(StoreHoursToolConfig{
			Logger:   testLogger(),
			DB:       db,
			Stores:   datasets["search_stores"],
			Clock:    clockwork.NewFakeClockAt(at),
			Location: loc,
		})
		require.NoError(t, err)
		out, err := tool.Call(t.Context(), json.RawMessage(fmt.Sprintf(`{"store_name": %q}`, storeName)))
		require.NoError(t, err)
		return out
	}
	result := func(t *testing.T, out Output) StoreHoursResult {
		t.Helper()
		require.False(t, out.IsError, out.Text())
		return out.Value.(StoreHoursResult)
	}
	boolPtr := func(b bool) *bool { return &b }

	t.Run("open during opening hours", func(t *testing.T) {
		t.Parallel()

		res := result(t, check(t, time.Date(2025, 11, 3, 10, 30, 0, 0, loc), "麻布台ヒルズ"))
		require.Equal(t, StoreHoursResult{
			StoreName:         "麻布台ヒルズ カフェ",
			CurrentTime:       "2025-11-03 10:30:00",
			CurrentDay:        "Monday",
			IsOpen:            boolPtr(true),
			OpeningHoursToday: []string{"10:00-20:00"},
			Message:           "Open now.",
		}, res)
	})

	t.Run("closing time is inclusive", func(t *testing.T) {
		t.Parallel()

		res := result(t, check(t, time.Date(2025, 11, 3, 20, 0, 0, 0, loc), "麻布台ヒルズ"))
		require.True(t, *res.IsOpen)

		res = result(t, check(t, time.Date(2025, 11, 3, 20, 0, 1, 0, loc), "麻布台ヒルズ"))
		require.False(t, *res.IsOpen)
		require.Equal(t, "Currently outside opening hours.", res.Message)
	})

	t.Run("matches names case-insensitively", func(t *testing.T) {
		t.Parallel()

		res := result(t, check(t, time.Date(2025, 11, 3, 9, 0, 0, 0, loc), "azabu bakery"))
		require.Equal(t, "Azabu Bakery", res.StoreName)
		require.True(t, *res.IsOpen)
	})

	t.Run("regular closing day", func(t *testing.T) {
		t.Parallel()

		res := result(t, check(t, time.Date(2025, 11, 9, 12, 0, 0, 0, loc), "Azabu Bakery"))
		require.False(t, *res.IsOpen)
		require.Equal(t, "Sunday", res.CurrentDay)
		require.Equal(t, []string{"closed"}, res.OpeningHoursToday)
		require.Equal(t, "Today (Sunday) is a regular closing day.", res.Message)
	})

	t.Run("irregular closure overrides opening hours", func(t *testing.T) {
		t.Parallel()

		res := result(t, check(t, time.Date(2025, 12, 31, 10, 0, 0, 0, loc), "Azabu Bakery"))
		require.False(t, *res.IsOpen)
		require.Equal(t, []string{"08:00-18:00"}, res.OpeningHoursToday)
		require.Equal(t, "Closed today (reason: 年末休業).", res.Message)
	})

	t.Run("several periods in a day", func(t *testing.T) {
		t.Parallel()

		res := result(t, check(t, time.Date(2025, 11, 4, 15, 0, 0, 0, loc), "鮨"))
		require.False(t, *res.IsOpen)
		require.Equal(t, []string{"11:30-14:00", "17:30-22:00"}, res.OpeningHoursToday)

		res = result(t, check(t, time.Date(2025, 11, 4, 18, 0, 0, 0, loc), "鮨"))
		require.True(t, *res.IsOpen)
	})

	t.Run("unknown opening hours", func(t *testing.T) {
		t.Parallel()

		res := result(t, check(t, time.Date(2025, 11, 4, 12, 0, 0, 0, loc), "Gallery"))
		require.Nil(t, res.IsOpen)
		require.Equal(t, "No opening hours are available for this store.", res.Message)
		require.Contains(t, check(t, time.Date(2025, 11, 4, 12, 0, 0, 0, loc), "Gallery").Text(), `"is_open":null`)
	})

	t.Run("invalid opening hours", func(t *testing.T) {
		t.Parallel()

		res := result(t, check(t, time.Date(2025, 11, 4, 12, 0, 0, 0, loc), "Broken Hours"))
		require.Nil(t, res.IsOpen)
		require.Contains(t, res.Message, "invalid format")
	})

	t.Run("unknown store", func(t *testing.T) {
		t.Parallel()

		out := check(t, time.Date(2025, 11, 4, 12, 0, 0, 0, loc), "nowhere")
		require.True(t, out.IsError)
		require.Equal(t, ErrorResult{Error: `store "nowhere" was not found`}, out.Value)
	})
}

func TestTools_StoreHours_Within(t *testing.T) {
	t.Parallel()

	h := func(hh, mm int) int { return hh*3600 + mm*60 }

	require.True(t, within(h(12, 0), h(10, 0), h(20, 0)))
	require.False(t, within(h(9, 59), h(10, 0), h(20, 0)))
	require.True(t, within(h(23, 0), h(18, 0), h(2, 0)))
	require.True(t, within(h(1, 0), h(18, 0), h(2, 0)))
	require.False(t, within(h(3, 0), h(18, 0), h(2, 0)))
}
