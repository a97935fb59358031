package ledger

import "tubefetch/internal/domain"

const (
	defaultVideoCost = 5
	defaultAudioCost = 2
)

var videoCosts = map[string]int64{
	"360p":  1,
	"480p":  2,
	"720p":  3,
	"1080p": 5,
	"1440p": 8,
	"2160p": 12,
	"best":  5,
}

var audioCosts = map[string]int64{
	"64":   1,
	"128":  1,
	"192":  2,
	"256":  2,
	"320":  2,
	"best": 2,
}

// Estimate returns the credit cost of a download. Video downloads are priced by quality
// tier, audio-only downloads by bitrate; unknown tiers fall back to a default cost.
func Estimate(opts domain.Options) int64 {
	if opts.AudioOnly {
		bitrate, err := domain.NormalizeBitrate(opts.AudioBitrate)
		if err != nil {
			return defaultAudioCost
		}
		if cost, ok := audioCosts[bitrate]; ok {
			return cost
		}
		return defaultAudioCost
	}

	quality := opts.Quality
	if quality == "" {
		quality = domain.DefaultQuality
	}
	if cost, ok := videoCosts[quality]; ok {
		return cost
	}
	return defaultVideoCost
}
