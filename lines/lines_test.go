package lines

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedAll(r *Reassembler, chunks ...string) []string {
	var got []string
	for _, c := range chunks {
		got = append(got, slices.Collect(r.Feed([]byte(c)))...)
	}
	return got
}

func TestFeed(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		want    []string
		pending int
	}{
		{
			name:   "single line",
			chunks: []string{"time=10 ms\n"},
			want:   []string{"time=10 ms"},
		},
		{
			name:   "many lines in one chunk",
			chunks: []string{"a\nb\nc\n"},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "split mid line",
			chunks: []string{"64 bytes from 8.8.8.8: ti", "me=12.3 ms\n"},
			want:   []string{"64 bytes from 8.8.8.8: time=12.3 ms"},
		},
		{
			name:   "split at terminator",
			chunks: []string{"time=1 ms", "\ntime=2 ms\n"},
			want:   []string{"time=1 ms", "time=2 ms"},
		},
		{
			name:    "trailing partial retained",
			chunks:  []string{"done\nhalf"},
			want:    []string{"done"},
			pending: 4,
		},
		{
			name:   "partial spanning three chunks",
			chunks: []string{"ti", "me=", "5 ms\n"},
			want:   []string{"time=5 ms"},
		},
		{
			name:   "crlf terminators",
			chunks: []string{"a\r\nb\r", "\n"},
			want:   []string{"a", "b"},
		},
		{
			name:   "bare cr terminators",
			chunks: []string{"a\rb\r"},
			want:   []string{"a", "b"},
		},
		{
			name:   "crlf split across chunks",
			chunks: []string{"a\r", "\nb\n"},
			want:   []string{"a", "b"},
		},
		{
			name:   "cr then empty line",
			chunks: []string{"a\r\n\nb\n"},
			want:   []string{"a", "", "b"},
		},
		{
			name:   "empty lines kept",
			chunks: []string{"\n\nx\n"},
			want:   []string{"", "", "x"},
		},
		{
			name:   "empty chunk",
			chunks: []string{""},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Reassembler
			assert.Equal(t, tt.want, feedAll(&r, tt.chunks...))
			assert.Equal(t, tt.pending, r.Pending())
		})
	}
}

func TestFeedEverySplitPoint(t *testing.T) {
	stream := "PING 8.8.8.8 (8.8.8.8) 56(84) bytes of data.\n" +
		"64 bytes from 8.8.8.8: icmp_seq=1 ttl=117 time=12.3 ms\n" +
		"Request timeout for icmp_seq 2\n" +
		"64 bytes from 8.8.8.8: icmp_seq=3 ttl=117 time=9 ms\n"
	want := strings.Split(strings.TrimSuffix(stream, "\n"), "\n")

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			var r Reassembler
			got := feedAll(&r, stream[:i], stream[i:j], stream[j:])
			if !assert.Equal(t, want, got, "split at %d,%d", i, j) {
				return
			}
			assert.Zero(t, r.Pending())
		}
	}
}

func TestFeedRestartable(t *testing.T) {
	var r Reassembler
	seq := r.Feed([]byte("a\nb\n"))

	assert.Equal(t, []string{"a", "b"}, slices.Collect(seq))
	assert.Equal(t, []string{"a", "b"}, slices.Collect(seq))
}

func TestFlush(t *testing.T) {
	var r Reassembler
	_, ok := r.Flush()
	assert.False(t, ok)

	assert.Empty(t, feedAll(&r, "time=", "7 ms"))
	line, ok := r.Flush()
	assert.True(t, ok)
	assert.Equal(t, "time=7 ms", line)
	assert.Zero(t, r.Pending())
}

func TestFeedDropsOverlongLine(t *testing.T) {
	var r Reassembler
	chunk := strings.Repeat("x", 1024)

	for i := 0; i < MaxLine/len(chunk); i++ {
		assert.Empty(t, feedAll(&r, chunk))
	}
	assert.Equal(t, MaxLine, r.Pending())

	// One more byte overflows, the line is dropped and stays dropped.
	assert.Empty(t, feedAll(&r, "x", chunk))
	assert.Zero(t, r.Pending())

	assert.Equal(t, []string{"time=3 ms"}, feedAll(&r, "tail\ntime=3 ms\n"))
	assert.Zero(t, r.Pending())
}

func TestFlushAfterOverlongLine(t *testing.T) {
	var r Reassembler
	feedAll(&r, strings.Repeat("x", MaxLine+1))

	_, ok := r.Flush()
	assert.False(t, ok)
	assert.Equal(t, []string{"next"}, feedAll(&r, "next\n"))
}
