package codec

import (
	"sync"
	"time"
)

// StreamInfo describes a device's elementary streams as observed so far.
type StreamInfo struct {
	VideoCodec    string    `json:"videoCodec,omitempty"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	Keyframes     int64     `json:"keyframes"`
	LastKeyframe  time.Time `json:"lastKeyframe,omitzero"`
	SampleRate    int       `json:"sampleRate,omitempty"`
	Channels      int       `json:"channels,omitempty"`
	AudioFrames   int64     `json:"audioFrames"`
	InvalidAudio  int64     `json:"invalidAudio,omitempty"`
	ParameterSets int64     `json:"parameterSets"`
}

// Probe watches the frames of one pipeline. Observe methods are called by
// the pipeline worker; Info may be called from any goroutine.
type Probe struct {
	mu   sync.Mutex
	info StreamInfo
}

// ObserveVideo inspects one access unit and reports whether it is a
// keyframe. A new SPS updates the reported resolution.
func (p *Probe) ObserveVideo(accessUnit []byte, now time.Time) bool {
	keyframe := false
	var sps *SPSInfo
	for _, u := range ParseAnnexB(accessUnit) {
		switch u.Type {
		case NALTypeIDR:
			keyframe = true
		case NALTypeSPS:
			if s, err := ParseSPS(u.Data); err == nil {
				sps = &s
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if sps != nil {
		p.info.ParameterSets++
		p.info.VideoCodec = sps.CodecString()
		p.info.Width = sps.Width
		p.info.Height = sps.Height
	}
	if keyframe {
		p.info.Keyframes++
		p.info.LastKeyframe = now
	}
	return keyframe
}

// ObserveAudio inspects one audio frame. It reports false when the frame
// does not start with a valid ADTS header.
func (p *Probe) ObserveAudio(frame []byte) bool {
	h, err := ParseADTSHeader(frame)
	frames := CountADTSFrames(frame)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.info.InvalidAudio++
		return false
	}
	p.info.SampleRate = h.SampleRate
	p.info.Channels = h.Channels
	p.info.AudioFrames += int64(frames)
	return true
}

// Info returns a snapshot of what has been observed.
func (p *Probe) Info() StreamInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Reset forgets everything observed, for a new inbound connection.
func (p *Probe) Reset() {
	p.mu.Lock()
	p.info = StreamInfo{}
	p.mu.Unlock()
}
