// Package predictor turns a city's forecast into an umbrella recommendation.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/kjstillabower/umbrella-service/internal/cache"
	"github.com/kjstillabower/umbrella-service/internal/client"
	"github.com/kjstillabower/umbrella-service/internal/models"
	"github.com/kjstillabower/umbrella-service/internal/observability"
	"github.com/kjstillabower/umbrella-service/internal/weekday"
)

// Outcome labels for predictionsTotal.
const (
	OutcomeUmbrella   = "umbrella"
	OutcomeNoUmbrella = "no_umbrella"
	OutcomeError      = "error"
)

const (
	noUmbrellaMessage = "You won't need to take an umbrella for the next 5 days."
	oneDayMessage     = "You should take an umbrella on that next day: "
	manyDaysMessage   = "You should take an umbrella in these next days: "
	errorMessage      = "Ops! An unexpected error has occurred: "
)

// ErrPanic wraps a value recovered from a panic inside the prediction pipeline.
var ErrPanic = errors.New("prediction panicked")

// Prediction is the structured result behind a recommendation string.
type Prediction struct {
	City      string
	Threshold float64
	Days      []string
	Message   string
}

// UmbrellaPredictor answers "do I need an umbrella" for a city over the forecast window.
// Forecasts are cached per city; failed fetches are never cached.
type UmbrellaPredictor struct {
	source   client.ForecastSource
	cache    *cache.TTLCache[models.Forecast]
	location *time.Location
	cityTZ   bool
	logger   *zap.Logger
}

// Option configures an UmbrellaPredictor.
type Option func(*UmbrellaPredictor)

// WithLocation names days in loc. The default is the process local time zone.
func WithLocation(loc *time.Location) Option {
	return func(p *UmbrellaPredictor) { p.location = loc }
}

// WithCityTimezone names days in the forecast city's own UTC offset.
func WithCityTimezone() Option {
	return func(p *UmbrellaPredictor) { p.cityTZ = true }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(p *UmbrellaPredictor) { p.logger = logger }
}

// NewUmbrellaPredictor creates a predictor over source, caching forecasts in c.
func NewUmbrellaPredictor(source client.ForecastSource, c *cache.TTLCache[models.Forecast], opts ...Option) *UmbrellaPredictor {
	p := &UmbrellaPredictor{
		source:   source,
		cache:    c,
		location: time.Local,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.location == nil {
		p.location = time.Local
	}
	return p
}

// CacheKey returns the cache key for city: a fixed prefix plus the city with all
// whitespace removed.
func CacheKey(city string) string {
	return "prediction:" + strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, city)
}

// GetPrediction returns the recommendation for city. Days with at least one reading
// whose humidity is strictly above threshold need an umbrella. flush evicts the
// cached forecast first. Every failure is reported inside the returned string.
func (p *UmbrellaPredictor) GetPrediction(ctx context.Context, city string, threshold float64, flush bool) string {
	pred, err := p.Predict(ctx, city, threshold, flush)
	if err != nil {
		p.loggerFor(ctx).Warn("prediction failed",
			zap.String("city", city),
			zap.Float64("threshold", threshold),
			zap.Error(err),
		)
		return errorMessage + err.Error()
	}
	return pred.Message
}

// Predict is GetPrediction returning the structured result and the error separately.
func (p *UmbrellaPredictor) Predict(ctx context.Context, city string, threshold float64, flush bool) (pred Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			pred = Prediction{}
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		outcome := OutcomeNoUmbrella
		switch {
		case err != nil:
			outcome = OutcomeError
		case len(pred.Days) > 0:
			outcome = OutcomeUmbrella
		}
		observability.RecordPrediction(city, outcome)
	}()

	logger := p.loggerFor(ctx)
	key := CacheKey(city)

	if flush {
		if err := p.cache.Remove(ctx, key); err != nil {
			return Prediction{}, err
		}
		logger.Debug("forecast evicted", zap.String("key", key))
	}

	forecast, err := p.cache.Get(ctx, key, p.populate(city))
	if err != nil {
		return Prediction{}, err
	}

	days, err := RainyDays(forecast.Entries, threshold, p.locationFor(forecast))
	if err != nil {
		return Prediction{}, err
	}

	logger.Debug("prediction computed",
		zap.String("city", city),
		zap.Float64("threshold", threshold),
		zap.Strings("days", days),
	)
	return Prediction{
		City:      city,
		Threshold: threshold,
		Days:      days,
		Message:   FormatMessage(days),
	}, nil
}

// Prefetch makes sure city's forecast is cached. A cached, unexpired forecast is left as is.
func (p *UmbrellaPredictor) Prefetch(ctx context.Context, city string) error {
	_, err := p.cache.Get(ctx, CacheKey(city), p.populate(city))
	return err
}

// FlushCache evicts every cached forecast.
func (p *UmbrellaPredictor) FlushCache(ctx context.Context) error {
	return p.cache.Flush(ctx)
}

func (p *UmbrellaPredictor) populate(city string) cache.PopulateFunc[models.Forecast] {
	return func(ctx context.Context) (models.Forecast, error) {
		res := p.source.GetForecastByCityName(ctx, city)
		if err := res.Err(); err != nil {
			return models.Forecast{}, err
		}
		p.loggerFor(ctx).Debug("forecast fetched",
			zap.String("city", city),
			zap.Int("entries", len(res.Forecast.Entries)),
		)
		return *res.Forecast, nil
	}
}

func (p *UmbrellaPredictor) locationFor(f models.Forecast) *time.Location {
	if p.cityTZ {
		return f.Location()
	}
	return p.location
}

func (p *UmbrellaPredictor) loggerFor(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return p.logger
}

// RainyDays returns the names of the days, in loc, that have at least one entry with
// humidity strictly above threshold. Each day appears once, in order of first occurrence.
func RainyDays(entries []models.ForecastEntry, threshold float64, loc *time.Location) ([]string, error) {
	var days []string
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.Humidity <= threshold {
			continue
		}
		name, err := weekday.Name(int(e.Time(loc).Weekday()))
		if err != nil {
			return nil, err
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		days = append(days, name)
	}
	return days, nil
}

// FormatMessage renders the recommendation for days.
func FormatMessage(days []string) string {
	switch len(days) {
	case 0:
		return noUmbrellaMessage
	case 1:
		return oneDayMessage + days[0]
	default:
		return manyDaysMessage + strings.Join(days, ", ")
	}
}
