package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/scmhub/calendar"
	"github.com/sirupsen/logrus"
)

const (
	defaultMarketTimezone = "Asia/Kolkata"
	defaultMarketOpen     = "09:15"
	defaultMarketClose    = "15:30"
)

// MarketHoursOracle answers whether the exchange is trading. It uses the
// scmhub calendar for the configured MIC and falls back to a weekday session
// window when the MIC is unknown.
type MarketHoursOracle struct {
	calendar   *calendar.Calendar
	loc        *time.Location
	open       time.Duration
	close      time.Duration
	alwaysOpen bool
}

func NewMarketHoursOracle(cfg config.MarketHoursConfig) (*MarketHoursOracle, error) {
	o := &MarketHoursOracle{alwaysOpen: cfg.AlwaysOpen}

	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = defaultMarketTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid market timezone %q: %w", tz, err)
	}
	o.loc = loc

	o.open, err = parseClock(cfg.Open, defaultMarketOpen)
	if err != nil {
		return nil, err
	}
	o.close, err = parseClock(cfg.Close, defaultMarketClose)
	if err != nil {
		return nil, err
	}
	if o.close <= o.open {
		return nil, fmt.Errorf("market close %s is not after open %s", cfg.Close, cfg.Open)
	}

	if mic := strings.ToLower(strings.TrimSpace(cfg.MIC)); mic != "" {
		o.calendar = calendar.GetCalendar(mic)
		if o.calendar == nil {
			logrus.WithField("mic", mic).Warnf("no trading calendar for MIC, using weekday %s-%s %s", fmtClock(o.open), fmtClock(o.close), tz)
		}
	}

	return o, nil
}

// Location is the exchange timezone.
func (o *MarketHoursOracle) Location() *time.Location {
	return o.loc
}

func (o *MarketHoursOracle) IsOpen(t time.Time) bool {
	if o.alwaysOpen {
		return true
	}

	if o.calendar != nil {
		return o.calendar.IsOpen(t)
	}

	local := t.In(o.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, o.loc)
	sinceMidnight := local.Sub(midnight)

	return sinceMidnight >= o.open && sinceMidnight < o.close
}

func parseClock(raw, fallback string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}

	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, fmt.Errorf("invalid market clock %q: %w", raw, err)
	}

	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func fmtClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
