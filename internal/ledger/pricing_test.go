package ledger

import (
	"testing"

	"tubefetch/internal/domain"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		opts     domain.Options
		expected int64
	}{
		{domain.Options{Quality: "360p"}, 1},
		{domain.Options{Quality: "480p"}, 2},
		{domain.Options{Quality: "720p"}, 3},
		{domain.Options{Quality: "1080p"}, 5},
		{domain.Options{Quality: "1440p"}, 8},
		{domain.Options{Quality: "2160p"}, 12},
		{domain.Options{Quality: "best"}, 5},
		{domain.Options{}, 5},
		{domain.Options{Quality: "4320p"}, 5},
		{domain.Options{AudioOnly: true, AudioBitrate: "64"}, 1},
		{domain.Options{AudioOnly: true, AudioBitrate: "128k"}, 1},
		{domain.Options{AudioOnly: true, AudioBitrate: "320"}, 2},
		{domain.Options{AudioOnly: true}, 2},
		{domain.Options{AudioOnly: true, AudioBitrate: "96"}, 2},
	}

	for _, test := range tests {
		if got := Estimate(test.opts); got != test.expected {
			t.Errorf("Estimate(%+v) = %d, expected %d", test.opts, got, test.expected)
		}
	}
}
