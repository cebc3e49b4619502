package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, s *Scanner, input string, chunkSize int) []Event {
	t.Helper()
	var events []Event
	for i := 0; i < len(input); i += chunkSize {
		end := i + chunkSize
		if end > len(input) {
			end = len(input)
		}
		events = append(events, s.Feed([]byte(input[i:end]))...)
	}
	return append(events, s.Flush()...)
}

func TestScannerBasicBlocks(t *testing.T) {
	input := "event: message_start\ndata: {\"a\":1}\n\nevent: message_stop\ndata: {}\n\n"

	events := feedAll(t, &Scanner{}, input, len(input))
	require.Len(t, events, 2)
	assert.Equal(t, "message_start", events[0].Event)
	assert.Equal(t, `{"a":1}`, events[0].Data)
	assert.Equal(t, "message_stop", events[1].Event)
}

func TestScannerNoSpaceAfterColon(t *testing.T) {
	events := feedAll(t, &Scanner{}, "event:ping\ndata:{}\n\n", 5)
	require.Len(t, events, 1)
	assert.Equal(t, "ping", events[0].Event)
	assert.Equal(t, "{}", events[0].Data)
}

func TestScannerMultiLineData(t *testing.T) {
	events := feedAll(t, &Scanner{}, "data: line1\ndata: line2\n\n", 100)
	require.Len(t, events, 1)
	assert.Equal(t, "line1\nline2", events[0].Data)
}

func TestScannerCRLFEquivalence(t *testing.T) {
	unix := "event: e\ndata: d\n\nevent: f\ndata: g\n\n"
	crlf := strings.ReplaceAll(unix, "\n", "\r\n")

	for _, chunk := range []int{1, 2, 3, 1000} {
		a := feedAll(t, &Scanner{}, unix, chunk)
		b := feedAll(t, &Scanner{}, crlf, chunk)
		assert.Equal(t, a, b, "chunk size %d", chunk)
	}
}

func TestScannerLoneCR(t *testing.T) {
	events := feedAll(t, &Scanner{}, "data: d\r\r", 1)
	require.Len(t, events, 1)
	assert.Equal(t, "d", events[0].Data)
}

func TestScannerDoneSentinelWithCRLF(t *testing.T) {
	// Regression: [DONE] with \r\n endings must still be framed.
	input := "data: {\"choices\":[]}\r\n\r\ndata: [DONE]\r\n\r\n"

	events := feedAll(t, &Scanner{}, input, 7)
	require.Len(t, events, 2)
	assert.Equal(t, DoneSentinel, events[1].Data)
}

func TestScannerIgnoresCommentsAndEmptyBlocks(t *testing.T) {
	events := feedAll(t, &Scanner{}, ": heartbeat\n\n\n\ndata: x\n\n", 100)
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Data)
}

func TestScannerFlushUnterminatedBlock(t *testing.T) {
	s := &Scanner{}
	assert.Empty(t, s.Feed([]byte("data: tail")))
	events := s.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].Data)
}
