package raop

import (
	"time"
)

// Frame header constants (spec §6 "Audio wire format").
const (
	frameHeaderSize = 16
	frameMagic      = 0x24
	frameMarker4    = 0xF0
	frameMarker5    = 0xFF
)

// runPump is the background audio pump (spec §4.9). It is the sole writer
// of the audio channel; the foreground controller never touches it after
// Play spawns this goroutine, so no lock is needed beyond the atomic
// playback-state flag it polls each iteration.
func (s *Session) runPump() {
	defer s.wg.Done()

	if err := s.cursor.SeekToTime(s.startTime); err != nil {
		s.log.DebugAudio("pump: seek_to_time failed, aborting pump", "error", err)
		s.state.Store(int32(StateIdle))
		return
	}

	s.playingTimeOffset.Store(time.Now().Add(2 * time.Second).UnixNano())

	buf := make([]byte, frameHeaderSize+int(s.desc.LargestSampleSize))

	for PlaybackState(s.state.Load()) == StateStreaming && s.cursor.HasMore() {
		n, err := s.cursor.NextSample(buf[frameHeaderSize:])
		if err != nil {
			s.log.DebugAudio("pump: sample read failed, stopping", "error", err)
			break
		}

		frame := buf[:frameHeaderSize+n]
		writeFrameHeader(frame, n)

		if err := s.audio.Send(frame); err != nil {
			s.log.DebugAudio("pump: audio send failed, stopping", "error", err)
			break
		}
	}

	s.drain()
	s.state.Store(int32(StateIdle))
}

// writeFrameHeader fills the 16-byte prefix ahead of one ALAC sample
// (spec §6): byte 0 is the framing magic, bytes 2-3 are big-endian
// sampleSize+12, bytes 4-5 are fixed markers, everything else is zero.
func writeFrameHeader(frame []byte, sampleSize int) {
	for i := 0; i < frameHeaderSize; i++ {
		frame[i] = 0
	}
	frame[0] = frameMagic
	size := uint16(sampleSize + 12)
	frame[2] = byte(size >> 8)
	frame[3] = byte(size)
	frame[4] = frameMarker4
	frame[5] = frameMarker5
}

// drain waits out the receiver's playback buffer once the cursor is
// exhausted or streaming was stopped early, sleeping in 1-second
// increments and re-checking playback state each wake (spec §4.9 step 4).
func (s *Session) drain() {
	remaining := s.remainingSeconds()
	for remaining > 0 && PlaybackState(s.state.Load()) == StateStreaming {
		sleep := time.Second
		if remaining < 1 {
			sleep = time.Duration(remaining * float64(time.Second))
		}
		time.Sleep(sleep)
		remaining -= 1
	}
}

// remainingSeconds computes how much longer the receiver needs to finish
// draining its own buffer: the file's total duration minus progress so
// far, plus the fixed 1-second tail the source allows.
func (s *Session) remainingSeconds() float64 {
	fileLength := float64(s.desc.Duration) / float64(s.desc.Timescale)
	return fileLength - s.Progress() + 1
}
