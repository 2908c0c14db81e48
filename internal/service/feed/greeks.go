package feed

import (
	"errors"
	"math"
	"time"

	"github.com/krobus00/option-feed-service/internal/entity"
)

const (
	DefaultRiskFreeRate = 0.06

	ivInitialGuess  = 0.3
	ivMaxIterations = 100
	ivTolerance     = 1e-5
	ivMin           = 1e-4
	ivMax           = 5.0
	minDaysToExpiry = 0.01
	daysPerYear     = 365.0
)

var (
	ErrInvalidGreeksInput = errors.New("invalid greeks input")
)

// GreeksInput is everything Black-Scholes needs for one option. Location is
// the exchange timezone the expiry date is read in.
type GreeksInput struct {
	Spot        float64
	Strike      float64
	OptionPrice float64
	Type        entity.OptionType
	Expiry      time.Time
	Now         time.Time
	Rate        float64
	Location    *time.Location
}

// ExpiryCutoff returns 15:30 exchange time on the calendar date of expiry.
// Dates parsed from config or read from a DATE column carry UTC, so only the
// year, month and day are taken from expiry.
func ExpiryCutoff(expiry time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = expiry.Location()
	}

	y, m, d := expiry.Date()
	return time.Date(y, m, d, 15, 30, 0, 0, loc)
}

// YearsToExpiry floors the remaining time at a hundredth of a day.
func YearsToExpiry(expiry, now time.Time, loc *time.Location) float64 {
	days := ExpiryCutoff(expiry, loc).Sub(now).Hours() / 24
	if days < minDaysToExpiry {
		days = minDaysToExpiry
	}

	return days / daysPerYear
}

// ComputeGreeks solves implied volatility from the option price and returns
// delta, gamma, theta per calendar day and vega per volatility point.
func ComputeGreeks(in GreeksInput) (entity.Greeks, error) {
	if in.Spot <= 0 || in.Strike <= 0 || in.OptionPrice <= 0 || !in.Type.Valid() {
		return entity.Greeks{}, ErrInvalidGreeksInput
	}

	t := YearsToExpiry(in.Expiry, in.Now, in.Location)
	sigma := impliedVolatility(in.Spot, in.Strike, t, in.Rate, in.OptionPrice, in.Type)

	d1, d2 := blackScholesD(in.Spot, in.Strike, t, in.Rate, sigma)
	sqrtT := math.Sqrt(t)
	discount := math.Exp(-in.Rate * t)
	pdf := normPDF(d1)

	g := entity.Greeks{
		IV:    sigma * 100,
		Gamma: pdf / (in.Spot * sigma * sqrtT),
		Vega:  in.Spot * pdf * sqrtT / 100,
	}

	decay := -in.Spot * pdf * sigma / (2 * sqrtT)
	if in.Type == entity.OptionTypeCall {
		g.Delta = normCDF(d1)
		g.Theta = (decay - in.Rate*in.Strike*discount*normCDF(d2)) / daysPerYear
	} else {
		g.Delta = normCDF(d1) - 1
		g.Theta = (decay + in.Rate*in.Strike*discount*normCDF(-d2)) / daysPerYear
	}

	return g, nil
}

// BlackScholesPrice is the theoretical premium for sigma.
func BlackScholesPrice(spot, strike, years, rate, sigma float64, optionType entity.OptionType) float64 {
	d1, d2 := blackScholesD(spot, strike, years, rate, sigma)
	discount := math.Exp(-rate * years)
	if optionType == entity.OptionTypeCall {
		return spot*normCDF(d1) - strike*discount*normCDF(d2)
	}

	return strike*discount*normCDF(-d2) - spot*normCDF(-d1)
}

func impliedVolatility(spot, strike, years, rate, price float64, optionType entity.OptionType) float64 {
	sigma := ivInitialGuess
	for i := 0; i < ivMaxIterations; i++ {
		diff := BlackScholesPrice(spot, strike, years, rate, sigma, optionType) - price
		if math.Abs(diff) < ivTolerance {
			break
		}

		d1, _ := blackScholesD(spot, strike, years, rate, sigma)
		vega := spot * normPDF(d1) * math.Sqrt(years)
		if vega < 1e-8 {
			break
		}

		sigma = math.Min(math.Max(sigma-diff/vega, ivMin), ivMax)
	}

	return sigma
}

func blackScholesD(spot, strike, years, rate, sigma float64) (float64, float64) {
	volSqrtT := sigma * math.Sqrt(years)
	d1 := (math.Log(spot/strike) + (rate+sigma*sigma/2)*years) / volSqrtT
	return d1, d1 - volSqrtT
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}
