package market

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// FetchCalendar builds a wall-clock Calendar for live mode from the Alpaca
// trading-calendar API. Dates absent from the API response within the
// requested range are treated as holidays; sessions closing before 16:00
// are marked as early closes.
func FetchCalendar(apiKey, apiSecret, baseURL string, start, end time.Time) (*Calendar, error) {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})

	days, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no trading days returned from calendar between %s and %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}

	trading := make(map[string]bool, len(days))
	var earlyCloses []string
	for _, day := range days {
		trading[day.Date] = true
		if day.Close != "" && day.Close < "16:00" {
			earlyCloses = append(earlyCloses, day.Date)
		}
	}

	// Weekdays in range that the API did not list are holidays.
	var holidays []string
	for d := TradingDate(start, et); !d.After(TradingDate(end, et)); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if !trading[d.Format("2006-01-02")] {
			holidays = append(holidays, d.Format("2006-01-02"))
		}
	}

	return NewCalendar(et,
		WithHolidays(holidays),
		WithEarlyCloses(earlyCloses),
		WithLastDate(end),
	), nil
}
