package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// PriceSuffix is appended to a call kind to form its price key.
const PriceSuffix = "_SEK"

// ErrInvalidRouter is returned when a router config loads but cannot be
// used to enforce a budget.
var ErrInvalidRouter = errors.New("invalid budget config")

// Router is the Night Factory router config: unit prices per call kind and
// the caps for the current night. Amounts are in SEK.
type Router struct {
	Prices        map[string]float64 `json:"prices" toml:"prices" yaml:"prices"`
	NightTotalMax float64            `json:"night_total_SEK_max" toml:"night_total_SEK_max" yaml:"night_total_SEK_max"`
	// PerTaskMax caps each call kind's cumulative spend. Nil means unset.
	PerTaskMax *float64 `json:"per_task_SEK_max,omitempty" toml:"per_task_SEK_max,omitempty" yaml:"per_task_SEK_max,omitempty"`
}

// PriceKey returns the prices map key for a call kind.
func PriceKey(kind string) string {
	return kind + PriceSuffix
}

// PriceFor returns the unit price for kind. Unpriced kinds are free.
func (r Router) PriceFor(kind string) float64 {
	return r.Prices[PriceKey(kind)]
}

// Cost returns price * count for kind, unrounded.
func (r Router) Cost(kind string, count float64) float64 {
	return r.PriceFor(kind) * count
}

// PerKindLimit returns the per-kind cap and whether it is enforced.
// A configured value <= 0 is not enforced.
func (r Router) PerKindLimit() (float64, bool) {
	if r.PerTaskMax == nil || *r.PerTaskMax <= 0 {
		return 0, false
	}
	return *r.PerTaskMax, true
}

// Kinds returns the call kinds that have a configured price, sorted.
func (r Router) Kinds() []string {
	kinds := make([]string, 0, len(r.Prices))
	for key := range r.Prices {
		if kind, ok := strings.CutSuffix(key, PriceSuffix); ok {
			kinds = append(kinds, kind)
		}
	}
	slices.Sort(kinds)
	return kinds
}

// Validate checks that the caps and prices are usable. NaN and infinite
// amounts never are.
func (r Router) Validate() error {
	if !finite(r.NightTotalMax) || r.NightTotalMax <= 0 {
		return fmt.Errorf("%w: night_total_SEK_max must be a finite number > 0, got %v", ErrInvalidRouter, r.NightTotalMax)
	}
	for key, price := range r.Prices {
		if !finite(price) || price < 0 {
			return fmt.Errorf("%w: prices.%s must be a finite number >= 0, got %v", ErrInvalidRouter, key, price)
		}
	}
	if r.PerTaskMax != nil && (!finite(*r.PerTaskMax) || *r.PerTaskMax < 0) {
		return fmt.Errorf("%w: per_task_SEK_max must be a finite number >= 0, got %v", ErrInvalidRouter, *r.PerTaskMax)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// LoadRouter reads and validates the router config at path. The format
// follows the extension: .toml, .yaml/.yml, anything else is JSON.
// There is no default: a missing file is an error.
func LoadRouter(path string) (Router, error) {
	var r Router

	data, err := os.ReadFile(path) //nolint:gosec // router path is chosen by the local user
	if err != nil {
		return r, fmt.Errorf("failed to load budget config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &r)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &r)
	default:
		err = json.Unmarshal(data, &r)
	}
	if err != nil {
		return r, fmt.Errorf("failed to load budget config %s: %w", path, err)
	}

	if err := r.Validate(); err != nil {
		return r, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// RouterFile is a router source that rereads the file on every call.
type RouterFile string

// LoadRouter implements the meter's router source.
func (f RouterFile) LoadRouter() (Router, error) {
	return LoadRouter(string(f))
}
