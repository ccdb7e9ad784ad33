package transcode

import (
	"slices"
	"testing"
)

func TestProfileArgs(t *testing.T) {
	t.Parallel()

	args := Profile{VideoBitrateKbps: 750, GOPSize: 15}.Args("pipe:3", "pipe:4")

	pairs := map[string]string{
		"-c:v":                "libvpx",
		"-b:v":                "750k",
		"-g":                  "15",
		"-deadline":           "realtime",
		"-c:a":                "libopus",
		"-b:a":                "64k",
		"-f":                  "webm",
		"-cluster_time_limit": "1000",
	}
	for flag, want := range pairs {
		i := slices.Index(args, flag)
		if flag == "-f" {
			i = slices.Index(args, "webm") - 1
		}
		if i < 0 || i+1 >= len(args) {
			t.Errorf("flag %s missing", flag)
			continue
		}
		if args[i+1] != want {
			t.Errorf("%s = %q, want %q", flag, args[i+1], want)
		}
	}

	if args[len(args)-1] != "pipe:1" {
		t.Errorf("output = %q, want pipe:1", args[len(args)-1])
	}

	var inputs []string
	for i, a := range args {
		if a == "-i" {
			inputs = append(inputs, args[i+1])
		}
	}
	if !slices.Equal(inputs, []string{"pipe:3", "pipe:4"}) {
		t.Errorf("inputs = %v", inputs)
	}
	if !slices.Contains(args, "low_delay") {
		t.Error("low latency flags missing")
	}
}

func TestParseTransport(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Transport
		wantErr bool
	}{
		{"", TransportPipe, false},
		{"pipe", TransportPipe, false},
		{"tcp", TransportTCP, false},
		{"fifo", TransportFIFO, false},
		{"shm", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTransport(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTransport(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTransport(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLogBufferTail(t *testing.T) {
	t.Parallel()

	var b logBuffer
	if got := b.Tail(5); got != nil {
		t.Fatalf("empty Tail = %v", got)
	}
	for i := range stderrLines + 3 {
		b.Append(string(rune('a' + i%26)))
	}
	all := b.Tail(0)
	if len(all) != stderrLines {
		t.Fatalf("Tail(0) len = %d, want %d", len(all), stderrLines)
	}
	last := b.Tail(2)
	wantLast := string(rune('a' + (stderrLines+2)%26))
	if last[1] != wantLast {
		t.Errorf("newest = %q, want %q", last[1], wantLast)
	}
}
