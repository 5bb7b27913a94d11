// Package raop implements the RAOP session state machine (spec §4.8): the
// seven-method handshake against an AirPort Express receiver, volume
// control, stop/wait, and the background audio pump it spawns once
// streaming starts.
package raop

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan/raopplay/internal/bytechannel"
	"github.com/ethan/raopplay/internal/digest"
	"github.com/ethan/raopplay/internal/logger"
	"github.com/ethan/raopplay/internal/m4a"
	"github.com/ethan/raopplay/internal/rtsp"
)

// PlaybackState is the session's atomic playback state (spec §5): read by
// the pump on every iteration, written by the controller on stop.
type PlaybackState int32

const (
	StateIdle PlaybackState = iota
	StateStreaming
	StateStopping
)

func (s PlaybackState) String() string {
	switch s {
	case StateStreaming:
		return "Streaming"
	case StateStopping:
		return "Stopping"
	default:
		return "Idle"
	}
}

// Session is the running RAOP context: both TCP channels, the RTSP client
// that drives them, the parsed descriptor and its cursor, and the
// background pump (spec §3 "RAOP Session").
type Session struct {
	log *logger.Logger

	remoteHost string
	remotePort int
	sessionURL string

	control *bytechannel.Channel
	client  *rtsp.Client
	audio   *bytechannel.Channel

	desc   *m4a.Descriptor
	path   string
	cursor *m4a.Cursor

	state        atomic.Int32 // PlaybackState
	pumpJoinable atomic.Bool
	volume       atomic.Int64 // float64 bits, see Volume/SetVolume

	playingTimeOffset atomic.Int64 // unix nanos
	startTime         float64

	wg sync.WaitGroup
}

// NewSession opens the control channel to (host, port) and prepares an RTSP
// client for it. path/desc describe the file to stream once Play is called.
func NewSession(log *logger.Logger, host string, port int, path string, desc *m4a.Descriptor, creds digest.Credentials) (*Session, error) {
	control, err := bytechannel.Open(host, port)
	if err != nil {
		return nil, fail(ErrKindNetworkIO, "open control channel: %w", err)
	}

	url := fmt.Sprintf("rtsp://%s/1", host)
	client := rtsp.NewClient(control, log, url, creds)

	s := &Session{
		log:        log,
		remoteHost: host,
		remotePort: port,
		sessionURL: url,
		control:    control,
		client:     client,
		desc:       desc,
		path:       path,
	}
	s.state.Store(int32(StateIdle))
	_ = s.SetVolume(30.0)
	return s, nil
}

// Play runs the play operation (spec §4.8 steps 1-7): OPTIONS, ANNOUNCE,
// SETUP, opening the audio channel, RECORD, SET_PARAMETER, then spawning
// the pump. startTime is the intra-file offset to begin from.
func (s *Session) Play(ctx context.Context, startTime float64) error {
	if s.desc.Encoding != m4a.EncodingALAC {
		return fail(ErrKindProtocolViolation, "refusing to stream non-ALAC encoding %s", s.desc.Encoding)
	}

	if _, err := s.client.Do(ctx, rtsp.MethodOptions, nil, nil, ""); err != nil {
		return classify(err)
	}

	sdp := s.buildSDP()
	if _, err := s.client.Do(ctx, rtsp.MethodAnnounce, nil, []byte(sdp), "application/sdp"); err != nil {
		return classify(err)
	}

	setupHeaders := []rtsp.HeaderSupplier{
		func(r *rtsp.Request) {
			r.AddHeader("Transport", "RTP/AVP/TCP;unicast;interleaved=0-1;mode=record")
		},
	}
	setupResp, err := s.client.Do(ctx, rtsp.MethodSetup, setupHeaders, nil, "")
	if err != nil {
		return classify(err)
	}
	audioPort, ok := setupResp.HeaderField("Transport", "server_port")
	if !ok {
		return fail(ErrKindProtocolViolation, "SETUP response missing Transport:server_port")
	}
	port, err := strconv.Atoi(audioPort)
	if err != nil {
		return fail(ErrKindProtocolViolation, "malformed server_port %q: %w", audioPort, err)
	}

	audio, err := bytechannel.Open(s.remoteHost, port)
	if err != nil {
		return fail(ErrKindNetworkIO, "open audio channel: %w", err)
	}
	s.audio = audio

	sessionID := s.client.Session()
	recordHeaders := []rtsp.HeaderSupplier{
		func(r *rtsp.Request) {
			r.AddHeader("Session", sessionID)
			r.AddHeader("Range", "npt=0-")
			r.AddHeader("RTP-Info", "seq=0;rtptime=0")
		},
	}
	if _, err := s.client.Do(ctx, rtsp.MethodRecord, recordHeaders, nil, ""); err != nil {
		s.audio.Close()
		return classify(err)
	}

	if err := s.sendVolume(ctx); err != nil {
		s.audio.Close()
		return classify(err)
	}

	cursor, err := m4a.OpenCursor(s.path, s.desc)
	if err != nil {
		s.audio.Close()
		return fail(ErrKindResourceExhaustion, "open cursor: %w", err)
	}
	s.cursor = cursor
	s.startTime = startTime

	s.state.Store(int32(StateStreaming))
	s.pumpJoinable.Store(true)
	s.wg.Add(1)
	go s.runPump()

	return nil
}

// Volume returns the current volume in [0, 30].
func (s *Session) Volume() float64 {
	return bitsToFloat(s.volume.Load())
}

// SetVolume updates the persisted volume and, if Streaming, re-sends
// SET_PARAMETER on the control channel concurrently with the pump writing
// audio frames (spec §4.8 "SET_VOLUME while Streaming").
func (s *Session) SetVolume(v float64) error {
	s.volume.Store(floatToBits(v))
	if PlaybackState(s.state.Load()) != StateStreaming {
		return nil
	}
	return classify(s.sendVolume(context.Background()))
}

func (s *Session) sendVolume(ctx context.Context) error {
	v := s.Volume()
	var wire float64
	if v >= 0.01 {
		wire = -30 + v
	} else {
		wire = -144
	}
	body := fmt.Sprintf("volume: %.1f\r\n", wire)
	_, err := s.client.Do(ctx, rtsp.MethodSetParameter, nil, []byte(body), "text/parameters")
	return err
}

// Progress returns the current playback offset in seconds, clipped to
// non-negative (spec §4.9).
func (s *Session) Progress() float64 {
	offset := s.playingTimeOffset.Load()
	if offset == 0 {
		return 0
	}
	elapsed := time.Since(time.Unix(0, offset)).Seconds() + s.startTime
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Stop sets playback state to Stopping, joins the pump, then sends FLUSH
// and TEARDOWN. Tolerates a session that never started (spec §4.8).
func (s *Session) Stop(ctx context.Context) error {
	s.state.Store(int32(StateStopping))
	s.Wait()

	sessionID := s.client.Session()
	if sessionID == "" {
		return s.control.Close()
	}

	var firstErr error
	flushHeaders := []rtsp.HeaderSupplier{
		func(r *rtsp.Request) {
			r.AddHeader("Session", sessionID)
			r.AddHeader("RTP-Info", "seq=0;rtptime=0")
		},
	}
	if _, err := s.client.Do(ctx, rtsp.MethodFlush, flushHeaders, nil, ""); err != nil && firstErr == nil {
		firstErr = err
	}

	teardownHeaders := []rtsp.HeaderSupplier{
		func(r *rtsp.Request) { r.AddHeader("Session", sessionID) },
	}
	if _, err := s.client.Do(ctx, rtsp.MethodTeardown, teardownHeaders, nil, ""); err != nil && firstErr == nil {
		firstErr = err
	}

	if s.audio != nil {
		if err := s.audio.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.control.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.cursor != nil {
		if err := s.cursor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return classify(firstErr)
	}
	return nil
}

// Wait joins the pump task. Tolerates a session that never started.
func (s *Session) Wait() {
	if !s.pumpJoinable.Load() {
		return
	}
	s.wg.Wait()
	s.pumpJoinable.Store(false)
}

func (s *Session) buildSDP() string {
	local := "0.0.0.0"
	if tcp, ok := s.control.LocalAddr().(*net.TCPAddr); ok {
		local = tcp.IP.String()
	}
	return fmt.Sprintf(
		"v=0\r\n"+
			"o=iTunes 1 O IN IP4 %s\r\n"+
			"s=iTunes\r\n"+
			"c=IN IP4 %s\r\n"+
			"t=0 0\r\n"+
			"m=audio 0 RTP/AVP 96\r\n"+
			"a=rtpmap:96 AppleLossless\r\n"+
			"a=fmtp:96 4096 0 16 40 10 14 2 255 0 0 %d\r\n",
		local, s.remoteHost, s.desc.Timescale,
	)
}

func floatToBits(v float64) int64 { return int64(math.Float64bits(v)) }
func bitsToFloat(b int64) float64 { return math.Float64frombits(uint64(b)) }

// classify maps an rtsp/bytechannel error into a typed raop.Error so
// callers can distinguish a receiver-busy abort from a torn-down
// connection (spec §7).
func classify(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "status 354"):
		return fail(ErrKindReceiverBusy, "%w", err)
	case strings.Contains(msg, "rejected twice"):
		return fail(ErrKindAuthFailed, "%w", err)
	case strings.Contains(msg, "status"):
		return fail(ErrKindProtocolViolation, "%w", err)
	default:
		return fail(ErrKindNetworkIO, "%w", err)
	}
}
