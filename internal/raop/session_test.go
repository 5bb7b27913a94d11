package raop_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethan/raopplay/internal/digest"
	"github.com/ethan/raopplay/internal/logger"
	"github.com/ethan/raopplay/internal/m4a"
	"github.com/ethan/raopplay/internal/raop"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return l
}

// buildSampleFile writes a raw (non-MP4) file laid out exactly the way a
// parsed descriptor expects: a size table of 4-byte big-endian entries,
// followed immediately by the concatenated sample payloads. Values in
// sample i are all i+1, so tests can verify frame contents as well as
// sizes.
func buildSampleFile(t *testing.T, sizes []uint32) (path string, desc *m4a.Descriptor) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "raop-audio-*.raw")
	require.NoError(t, err)
	defer f.Close()

	sizeTableOffset := int64(0)
	for _, sz := range sizes {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], sz)
		_, err := f.Write(buf[:])
		require.NoError(t, err)
	}
	dataOffset, err := f.Seek(0, io.SeekCurrent)
	require.NoError(t, err)

	var total, largest uint32
	for i, sz := range sizes {
		total += sz
		if sz > largest {
			largest = sz
		}
		payload := make([]byte, sz)
		for j := range payload {
			payload[j] = byte(i + 1)
		}
		_, err := f.Write(payload)
		require.NoError(t, err)
	}

	desc = &m4a.Descriptor{
		Timescale:         4096,
		Duration:          uint32(len(sizes)) * 4096,
		SampleCount:       uint32(len(sizes)),
		TotalSampleSize:   total,
		LargestSampleSize: largest,
		Encoding:          m4a.EncodingALAC,
		DataOffset:        dataOffset,
		SizeTableOffset:   sizeTableOffset,
		Status:            m4a.StatusOK,
	}
	return f.Name(), desc
}

// fakeReceiver emulates the control-channel side of an AirPort Express: it
// accepts one connection and answers the seven RAOP methods in order,
// handing back audioPort as the SETUP Transport:server_port.
func fakeReceiver(t *testing.T, audioPort int, onRequest func(method string)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			method := strings.Fields(line)[0]
			// Drain headers, then the body announced by Content-Length.
			contentLength := 0
			for {
				h, err := r.ReadString('\n')
				if err != nil || h == "\r\n" {
					break
				}
				if strings.HasPrefix(strings.ToLower(h), "content-length:") {
					contentLength, _ = strconv.Atoi(strings.TrimSpace(strings.SplitN(h, ":", 2)[1]))
				}
			}
			if _, err := io.CopyN(io.Discard, r, int64(contentLength)); err != nil {
				return
			}
			if onRequest != nil {
				onRequest(method)
			}

			switch method {
			case "SETUP":
				fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: 1\r\nSession: 99887766;timeout=90\r\nTransport: RTP/AVP/TCP;unicast;interleaved=0-1;server_port=%d\r\n\r\n", audioPort)
			default:
				fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: 1\r\n\r\n")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// fakeAudioSink accepts one connection and reads everything sent to it into
// a byte slice accessible after the session closes the connection.
func fakeAudioSink(t *testing.T) (port int, received *[]byte, wait func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	buf := make([]byte, 0, 4096)
	received = &buf
	done := make(chan struct{})

	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		chunk := make([]byte, 4096)
		for {
			n, err := conn.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				*received = buf
			}
			if err != nil {
				return
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.Port, received, func() { <-done }
}

func TestSessionHappyPath(t *testing.T) {
	sizes := []uint32{100, 200, 150}
	path, desc := buildSampleFile(t, sizes)

	audioPort, received, waitAudio := fakeAudioSink(t)

	var methods []string
	host, port := fakeReceiver(t, audioPort, func(m string) { methods = append(methods, m) })

	sess, err := raop.NewSession(testLogger(t), host, port, path, desc, digest.DefaultCredentials())
	require.NoError(t, err)

	require.NoError(t, sess.Play(context.Background(), 0))

	// Let the pump run to completion (3 tiny samples drain almost
	// instantly; the post-EOF wait is bounded by file length + 1s).
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, sess.Stop(context.Background()))
	waitAudio()

	require.Equal(t, []string{"OPTIONS", "ANNOUNCE", "SETUP", "RECORD", "SET_PARAMETER", "FLUSH", "TEARDOWN"}, methods)

	wantBytes := 0
	for _, sz := range sizes {
		wantBytes += 16 + int(sz)
	}
	require.Equal(t, wantBytes, len(*received))
}

func TestSessionSetVolumeWire(t *testing.T) {
	cases := []struct {
		volume float64
		want   string
	}{
		{0.0, "volume: -144.0\r\n"},
		{0.01, "volume: -29.99\r\n"},
		{30.0, "volume: 0.0\r\n"},
	}

	for _, tc := range cases {
		sizes := []uint32{10}
		path, desc := buildSampleFile(t, sizes)
		audioPort, _, waitAudio := fakeAudioSink(t)

		var bodies []string
		host, port := fakeReceiverCapturingBodies(t, audioPort, &bodies)

		sess, err := raop.NewSession(testLogger(t), host, port, path, desc, digest.DefaultCredentials())
		require.NoError(t, err)
		require.NoError(t, sess.SetVolume(tc.volume))
		require.NoError(t, sess.Play(context.Background(), 0))
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, sess.Stop(context.Background()))
		waitAudio()

		require.Contains(t, bodies, tc.want)
	}
}

func fakeReceiverCapturingBodies(t *testing.T, audioPort int, bodies *[]string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			method := strings.Fields(line)[0]
			contentLength := 0
			for {
				h, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if h == "\r\n" {
					break
				}
				if strings.HasPrefix(strings.ToLower(h), "content-length:") {
					v := strings.TrimSpace(strings.SplitN(h, ":", 2)[1])
					contentLength, _ = strconv.Atoi(v)
				}
			}
			body := make([]byte, contentLength)
			if contentLength > 0 {
				if _, err := r.Read(body); err != nil {
					return
				}
				*bodies = append(*bodies, string(body))
			}

			switch method {
			case "SETUP":
				fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: 1\r\nSession: 99887766;timeout=90\r\nTransport: RTP/AVP/TCP;unicast;interleaved=0-1;server_port=%d\r\n\r\n", audioPort)
			default:
				fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: 1\r\n\r\n")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestSessionRejectsNonALAC(t *testing.T) {
	sizes := []uint32{10}
	path, desc := buildSampleFile(t, sizes)
	desc.Encoding = m4a.EncodingAAC

	audioPort, _, _ := fakeAudioSink(t)
	host, port := fakeReceiver(t, audioPort, nil)

	sess, err := raop.NewSession(testLogger(t), host, port, path, desc, digest.DefaultCredentials())
	require.NoError(t, err)

	err = sess.Play(context.Background(), 0)
	require.Error(t, err)
}

func TestSessionStopTolerant(t *testing.T) {
	audioPort, _, _ := fakeAudioSink(t)
	host, port := fakeReceiver(t, audioPort, nil)
	sizes := []uint32{10}
	path, desc := buildSampleFile(t, sizes)

	sess, err := raop.NewSession(testLogger(t), host, port, path, desc, digest.DefaultCredentials())
	require.NoError(t, err)

	// Stop without ever calling Play: must tolerate "never started".
	require.NoError(t, sess.Stop(context.Background()))
}
