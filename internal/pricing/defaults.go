package pricing

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rtcheap/call-manager/internal/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Hardcoded fallback rates per minute.
const (
	FallbackRateINR = 10.0
	FallbackRateUSD = 1.0
)

// Defaults fallback rates used when neither expert nor category pricing exists.
type Defaults struct {
	Rates map[models.Currency]float64 `yaml:"rates"`
}

func (d Defaults) rate(c models.Currency) float64 {
	if r, ok := d.Rates[c]; ok && r > 0 {
		return r
	}
	if c == models.CurrencyINR {
		return FallbackRateINR
	}

	return FallbackRateUSD
}

func (d Defaults) withFallbacks() Defaults {
	rates := map[models.Currency]float64{
		models.CurrencyINR: FallbackRateINR,
		models.CurrencyUSD: FallbackRateUSD,
	}
	for c, r := range d.Rates {
		if r > 0 {
			rates[c] = r
		}
	}

	return Defaults{Rates: rates}
}

// LoadDefaults reads fallback rates from a yaml file.
//
//	rates:
//	  INR: 12
//	  USD: 1.25
func LoadDefaults(path string) (Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("failed to read pricing defaults %s: %w", path, err)
	}

	var d Defaults
	err = yaml.Unmarshal(data, &d)
	if err != nil {
		return Defaults{}, fmt.Errorf("failed to parse pricing defaults %s: %w", path, err)
	}

	return d.withFallbacks(), nil
}

// WatchDefaults reloads the fallback rates of the resolver whenever the file changes.
// Blocks until the context is cancelled.
func WatchDefaults(ctx context.Context, path string, r *Resolver) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create pricing watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files, so the directory is watched rather than the file.
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}

			d, err := LoadDefaults(path)
			if err != nil {
				log.Warn("failed to reload pricing defaults", zap.Error(err))
				continue
			}
			r.SetDefaults(d)
			log.Info("reloaded pricing defaults", zap.String("path", path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("pricing watcher error", zap.Error(err))
		}
	}
}

func roundRate(v float64) float64 {
	return math.Round(v*10000) / 10000
}
