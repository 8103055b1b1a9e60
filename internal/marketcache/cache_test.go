package marketcache

import (
	"context"
	"testing"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/internal/venue"
	"fundingkeeper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshAll_PopulatesAcrossVenues(t *testing.T) {
	hl := venue.NewMock("HL")
	lg := venue.NewMock("L")
	hl.SeedPosition(&core.Position{Venue: "HL", Symbol: "BTC", Side: core.SideLong, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(60000)})
	lg.SeedPosition(&core.Position{Venue: "L", Symbol: "BTC", Side: core.SideShort, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(60010)})

	c := New(map[string]core.VenueAdapter{"HL": hl, "L": lg}, 4, time.Minute, logging.NewLogger(logging.InfoLevel, nil))
	defer c.Stop()

	require.NoError(t, c.RefreshAll(context.Background()))

	assert.Len(t, c.GetAllPositions(), 2)
	price, ok := c.GetMarkPrice("HL", "BTC")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(60000)))
	assert.False(t, c.IsStale("HL"))
}

func TestIsStale_UnrefreshedVenue(t *testing.T) {
	c := New(map[string]core.VenueAdapter{}, 1, time.Minute, logging.NewLogger(logging.InfoLevel, nil))
	defer c.Stop()
	assert.True(t, c.IsStale("HL"))
}

func TestRefreshAll_OneVenueFailingDoesNotBlockOthers(t *testing.T) {
	hl := venue.NewMock("HL")
	bad := venue.NewMock("BAD")
	bad.FailGetPositions = assert.AnError
	hl.SeedPosition(&core.Position{Venue: "HL", Symbol: "ETH", Side: core.SideLong, Size: decimal.NewFromInt(2), MarkPrice: decimal.NewFromInt(3000)})

	c := New(map[string]core.VenueAdapter{"HL": hl, "BAD": bad}, 4, time.Minute, logging.NewLogger(logging.InfoLevel, nil))
	defer c.Stop()

	err := c.RefreshAll(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsStale("HL"))
	assert.True(t, c.IsStale("BAD"))
}
