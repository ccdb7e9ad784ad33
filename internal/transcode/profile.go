package transcode

import "strconv"

// Profile is the fixed encode profile every pipeline uses. Devices send
// H.264 Annex B video and ADTS AAC audio; viewers receive WebM (VP8/Opus).
type Profile struct {
	VideoBitrateKbps int
	AudioBitrateKbps int
	GOPSize          int
	// ClusterTimeLimitMs caps cluster duration so segments stay small.
	ClusterTimeLimitMs int
	VideoInputFormat   string
	AudioInputFormat   string
}

// DefaultProfile returns the low-latency profile used when no overrides
// are configured.
func DefaultProfile() Profile {
	return Profile{
		VideoBitrateKbps:   1000,
		AudioBitrateKbps:   64,
		GOPSize:            30,
		ClusterTimeLimitMs: 1000,
		VideoInputFormat:   "h264",
		AudioInputFormat:   "aac",
	}
}

func (p Profile) withDefaults() Profile {
	d := DefaultProfile()
	if p.VideoBitrateKbps <= 0 {
		p.VideoBitrateKbps = d.VideoBitrateKbps
	}
	if p.AudioBitrateKbps <= 0 {
		p.AudioBitrateKbps = d.AudioBitrateKbps
	}
	if p.GOPSize <= 0 {
		p.GOPSize = d.GOPSize
	}
	if p.ClusterTimeLimitMs <= 0 {
		p.ClusterTimeLimitMs = d.ClusterTimeLimitMs
	}
	if p.VideoInputFormat == "" {
		p.VideoInputFormat = d.VideoInputFormat
	}
	if p.AudioInputFormat == "" {
		p.AudioInputFormat = d.AudioInputFormat
	}
	return p
}

// Args builds the ffmpeg argument list reading video and audio from the
// given input URLs and writing WebM to stdout.
func (p Profile) Args(videoInput, audioInput string) []string {
	p = p.withDefaults()
	input := func(format, url string) []string {
		return []string{
			"-fflags", "+genpts+nobuffer",
			"-flags", "low_delay",
			"-probesize", "32",
			"-analyzeduration", "0",
			"-use_wallclock_as_timestamps", "1",
			"-f", format,
			"-i", url,
		}
	}

	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	args = append(args, input(p.VideoInputFormat, videoInput)...)
	args = append(args, input(p.AudioInputFormat, audioInput)...)
	args = append(args,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "libvpx",
		"-b:v", strconv.Itoa(p.VideoBitrateKbps)+"k",
		"-g", strconv.Itoa(p.GOPSize),
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-lag-in-frames", "0",
		"-auto-alt-ref", "0",
		"-c:a", "libopus",
		"-b:a", strconv.Itoa(p.AudioBitrateKbps)+"k",
		"-f", "webm",
		"-live", "1",
		"-cluster_time_limit", strconv.Itoa(p.ClusterTimeLimitMs),
		"pipe:1",
	)
	return args
}
