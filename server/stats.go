package main

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// The mean is reported to this many decimal places, rounding half to even
const meanPrecision = 4

// MeanResult is the response body of the mean statistic
type MeanResult struct {
	Value float64 `json:"value"`
}

// ModeResult holds every value sharing the highest frequency, in the order
// each value was first seen
type ModeResult struct {
	Values []int
}

// MarshalJSON encodes a single mode as a scalar and a multimodal result as a list
func (m ModeResult) MarshalJSON() ([]byte, error) {
	if len(m.Values) == 1 {
		return json.Marshal(struct {
			Value int `json:"value"`
		}{m.Values[0]})
	}
	return json.Marshal(struct {
		Value []int `json:"value"`
	}{m.Values})
}

// QuartileResult is the response body of the quartiles statistic
type QuartileResult struct {
	Quartile1 float64 `json:"quartile_1"`
	Quartile3 float64 `json:"quartile_3"`
}

// MinReading returns the reading with the lowest value; the first one wins a tie
func MinReading(readings []Reading) (Reading, error) {
	return extremeReading(readings, func(candidate, best int) bool { return candidate < best })
}

// MaxReading returns the reading with the highest value; the first one wins a tie
func MaxReading(readings []Reading) (Reading, error) {
	return extremeReading(readings, func(candidate, best int) bool { return candidate > best })
}

func extremeReading(readings []Reading, better func(candidate, best int) bool) (Reading, error) {
	if len(readings) == 0 {
		return Reading{}, ErrNotFound
	}
	best := readings[0]
	for _, r := range readings[1:] {
		if better(r.Value, best.Value) {
			best = r
		}
	}
	return best, nil
}

// MedianReading returns the middle reading by value. With an even count the
// lower of the two central readings is returned, so the result is always a
// reading that was actually recorded.
func MedianReading(readings []Reading) (Reading, error) {
	n := len(readings)
	if n == 0 {
		return Reading{}, ErrNotFound
	}

	sorted := make([]Reading, n)
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	if n%2 == 0 {
		return sorted[n/2-1], nil
	}
	return sorted[n/2], nil
}

// MedianValue returns the median of values, averaging the two central values
// when the count is even
func MedianValue(values []float64) (float64, error) {
	n := len(values)
	if n == 0 {
		return 0, errors.Wrap(ErrInsufficientData, "median of an empty sequence")
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2, nil
	}
	return sorted[n/2], nil
}

// Mean returns the arithmetic mean of the reading values
func Mean(readings []Reading) (float64, error) {
	if len(readings) == 0 {
		return 0, ErrNotFound
	}

	var sum int64
	for _, r := range readings {
		sum += int64(r.Value)
	}
	return roundHalfEven(float64(sum)/float64(len(readings)), meanPrecision), nil
}

func roundHalfEven(x float64, places int) float64 {
	scale := math.Pow10(places)
	return math.RoundToEven(x*scale) / scale
}

// Mode returns the most frequent reading value, or every tied value
func Mode(readings []Reading) (ModeResult, error) {
	if len(readings) == 0 {
		return ModeResult{}, ErrNotFound
	}

	counts := make(map[int]int)
	var order []int
	maxCount := 0
	for _, r := range readings {
		if counts[r.Value] == 0 {
			order = append(order, r.Value)
		}
		counts[r.Value]++
		if counts[r.Value] > maxCount {
			maxCount = counts[r.Value]
		}
	}

	modes := make([]int, 0, 1)
	for _, v := range order {
		if counts[v] == maxCount {
			modes = append(modes, v)
		}
	}
	return ModeResult{Values: modes}, nil
}

// Quartiles returns the first and third quartile of the reading values.
// The sorted values are split in half; for an odd count the median itself
// belongs to neither half.
func Quartiles(readings []Reading) (QuartileResult, error) {
	n := len(readings)
	if n == 0 {
		return QuartileResult{}, ErrNotFound
	}
	if n < 2 {
		return QuartileResult{}, errors.Wrapf(ErrInsufficientData, "quartiles need at least 2 readings, got %d", n)
	}

	values := make([]float64, n)
	for i, r := range readings {
		values[i] = float64(r.Value)
	}
	sort.Float64s(values)

	lower := values[:n/2]
	upper := values[n/2:]
	if n%2 == 1 {
		upper = values[n/2+1:]
	}

	q1, err := MedianValue(lower)
	if err != nil {
		return QuartileResult{}, errors.Wrap(err, "first quartile")
	}
	q3, err := MedianValue(upper)
	if err != nil {
		return QuartileResult{}, errors.Wrap(err, "third quartile")
	}
	return QuartileResult{Quartile1: q1, Quartile3: q3}, nil
}
