package core

import (
	"fmt"
	"math"
	"math/rand"
)

type SplitMode string

const (
	// SplitChronological holds out the most recent windows.
	SplitChronological SplitMode = "chronological"
	// SplitRandom shuffles windows with a fixed seed before holding out.
	// Overlapping windows leak future rows into training; kept for
	// comparison with older evaluation runs.
	SplitRandom SplitMode = "random"
)

func ParseSplitMode(value string) (SplitMode, error) {
	switch SplitMode(value) {
	case SplitChronological, "":
		return SplitChronological, nil
	case SplitRandom:
		return SplitRandom, nil
	}
	return "", fmt.Errorf("unknown split mode %q", value)
}

// SplitWindows holds out ceil(testFraction*n) windows. When that would leave
// nothing to train on every window goes to training.
func SplitWindows(windows []Window, testFraction float64, mode SplitMode, seed int64) (train, test []Window) {
	var n = len(windows)
	var testSize = int(math.Ceil(testFraction * float64(n)))
	if testSize <= 0 || testSize >= n {
		return windows, nil
	}
	var trainSize = n - testSize

	if mode == SplitRandom {
		var perm = rand.New(rand.NewSource(seed)).Perm(n)
		test = make([]Window, 0, testSize)
		train = make([]Window, 0, trainSize)
		for i, idx := range perm {
			if i < testSize {
				test = append(test, windows[idx])
			} else {
				train = append(train, windows[idx])
			}
		}
		return train, test
	}
	return windows[:trainSize], windows[trainSize:]
}
