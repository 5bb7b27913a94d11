package m4a

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// samplesPerFrame is the fixed ALAC frame size this tool assumes when
// converting a playback time into a sample index (spec §4.3, §4.8 fmtp
// line "4096 0 16 ...").
const samplesPerFrame = 4096

// Cursor is a random-access sample reader over a parsed M4A file. It owns
// two independent file handles — one walking the sample-size table, one
// walking the media-data blob — so seeking one never perturbs the other's
// read position (spec §4.3, §9 "prefer two file handles to avoid seeks on
// the hot path").
type Cursor struct {
	desc *Descriptor

	sizeFile *os.File
	dataFile *os.File

	index uint32 // current_index(): how many samples have been consumed
}

// OpenCursor opens two independent handles on path and positions both at
// the descriptor's table/data offsets, ready for sample iteration (the
// parser's "post-parse fixup", spec §4.2 final paragraph).
func OpenCursor(path string, desc *Descriptor) (*Cursor, error) {
	sizeFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open size-table handle: %w", err)
	}
	dataFile, err := os.Open(path)
	if err != nil {
		sizeFile.Close()
		return nil, fmt.Errorf("open media-data handle: %w", err)
	}

	c := &Cursor{desc: desc, sizeFile: sizeFile, dataFile: dataFile}
	if _, err := sizeFile.Seek(desc.SizeTableOffset, 0); err != nil {
		c.Close()
		return nil, fmt.Errorf("seek size table: %w", err)
	}
	if _, err := dataFile.Seek(desc.DataOffset, 0); err != nil {
		c.Close()
		return nil, fmt.Errorf("seek media data: %w", err)
	}
	return c, nil
}

// Close releases both file handles.
func (c *Cursor) Close() error {
	var err error
	if c.sizeFile != nil {
		if e := c.sizeFile.Close(); e != nil {
			err = e
		}
	}
	if c.dataFile != nil {
		if e := c.dataFile.Close(); e != nil {
			err = e
		}
	}
	return err
}

// SeekToTime repositions both cursors to the sample that covers t seconds,
// per spec §4.3: k = floor(timescale * t / 4096). Fails without
// side effects if k would fall outside [0, sample_count).
func (c *Cursor) SeekToTime(t float64) error {
	if c.desc.Timescale == 0 {
		return fmt.Errorf("seek to time: timescale is zero")
	}
	k := uint64(math.Floor(float64(c.desc.Timescale) * t / samplesPerFrame))
	if k >= uint64(c.desc.SampleCount) {
		return fmt.Errorf("seek to time %.3fs: sample index %d out of range [0,%d)", t, k, c.desc.SampleCount)
	}

	// Reset both cursors to their table bases.
	sizePos := c.desc.SizeTableOffset
	dataPos := c.desc.DataOffset

	if _, err := c.sizeFile.Seek(sizePos, 0); err != nil {
		return fmt.Errorf("seek size table base: %w", err)
	}

	// Read k entries from the size table to learn how many data bytes to
	// skip, advancing the size-table cursor to entry k in the process.
	var dataSkip uint64
	buf := make([]byte, 4)
	for i := uint64(0); i < k; i++ {
		if _, err := io.ReadFull(c.sizeFile, buf); err != nil {
			return fmt.Errorf("read size table entry %d: %w", i, err)
		}
		dataSkip += uint64(binary.BigEndian.Uint32(buf))
	}

	if _, err := c.dataFile.Seek(dataPos+int64(dataSkip), 0); err != nil {
		return fmt.Errorf("seek media data: %w", err)
	}

	c.index = uint32(k)
	return nil
}

// CurrentIndex returns the number of samples already consumed.
func (c *Cursor) CurrentIndex() uint32 {
	return c.index
}

// HasMore reports whether another sample remains.
func (c *Cursor) HasMore() bool {
	return c.index < c.desc.SampleCount
}

// NextSample reads the next sample's size from the size table and its
// bytes from the media-data stream, returning the byte count read.
func (c *Cursor) NextSample(out []byte) (int, error) {
	if !c.HasMore() {
		return 0, fmt.Errorf("next sample: cursor exhausted (%d/%d)", c.index, c.desc.SampleCount)
	}

	sizeBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.sizeFile, sizeBuf); err != nil {
		return 0, fmt.Errorf("read sample size: %w", err)
	}
	size := binary.BigEndian.Uint32(sizeBuf)
	if int(size) > len(out) {
		return 0, fmt.Errorf("sample %d size %d exceeds buffer capacity %d", c.index, size, len(out))
	}

	n, err := io.ReadFull(c.dataFile, out[:size])
	if err != nil {
		return 0, fmt.Errorf("read sample data: %w", err)
	}

	c.index++
	return n, nil
}
