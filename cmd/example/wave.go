package main

import (
	"math"
	"time"
)

// Wave describes a sampled sine signal.
type Wave struct {
	Amplitude float64
	Period    int // samples per cycle
	Interval  time.Duration
	Start     time.Time
}

// Sample is one generated reading.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// Generate returns n samples of w starting at w.Start.
func (w Wave) Generate(n int) []Sample {
	if w.Period <= 0 || n <= 0 {
		return nil
	}
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{
			Value:     w.Amplitude * math.Sin(2*math.Pi*float64(i)/float64(w.Period)),
			Timestamp: w.Start.Add(time.Duration(i) * w.Interval),
		}
	}
	return samples
}
