package m4a_test

import (
	"testing"

	"github.com/ethan/raopplay/internal/logger"
	"github.com/ethan/raopplay/internal/m4a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return l
}

func TestParseHappyPath(t *testing.T) {
	sizes := []uint32{100, 200, 150, 300}
	path := writeTempFile(t, buildALACFile(t, 44100, sizes))

	desc, err := m4a.Parse(path, testLogger(t), nil)
	require.NoError(t, err)

	assert.Equal(t, m4a.StatusOK, desc.Status)
	assert.Equal(t, m4a.EncodingALAC, desc.Encoding)
	assert.EqualValues(t, 44100, desc.Timescale)
	assert.EqualValues(t, 4, desc.SampleCount)
	assert.EqualValues(t, 750, desc.TotalSampleSize)
	assert.EqualValues(t, 300, desc.LargestSampleSize)
	assert.Greater(t, desc.DataOffset, int64(0))
	assert.Greater(t, desc.SizeTableOffset, int64(0))
}

func TestParseUnknownBoxWarns(t *testing.T) {
	sizes := []uint32{10, 20}
	data := buildALACFile(t, 44100, sizes)
	data = append(data, box("xtra", []byte("hello"))...)
	path := writeTempFile(t, data)

	desc, err := m4a.Parse(path, testLogger(t), nil)
	require.NoError(t, err)
	assert.Equal(t, m4a.StatusParsedWithWarnings, desc.Status)
	assert.NotEmpty(t, desc.Warnings)
}

func TestParseMp4aWarns(t *testing.T) {
	// Build a file whose stsd contains mp4a instead of alac.
	sizes := []uint32{10}
	data := buildALACFile(t, 44100, sizes)
	// Crude but effective: the "alac" box type appears once in the stream;
	// swapping its tag to "mp4a" flips the sample entry without touching
	// any sizes.
	idx := indexOf(data, []byte("alac"))
	require.GreaterOrEqual(t, idx, 0)
	copy(data[idx:idx+4], []byte("mp4a"))

	path := writeTempFile(t, data)
	desc, err := m4a.Parse(path, testLogger(t), nil)
	require.NoError(t, err)
	assert.Equal(t, m4a.EncodingAAC, desc.Encoding)
	assert.Equal(t, m4a.StatusParsedWithWarnings, desc.Status)
}

func TestParseTruncatedFileIsFatal(t *testing.T) {
	sizes := []uint32{10, 20}
	data := buildALACFile(t, 44100, sizes)
	path := writeTempFile(t, data[:len(data)-5])

	_, err := m4a.Parse(path, testLogger(t), nil)
	require.Error(t, err)
}

func TestParseMetadataHandler(t *testing.T) {
	sizes := []uint32{10}
	base := buildALACFile(t, 44100, sizes)

	nam := box("data", concat(u32(1), u32(0), []byte("My Song")))
	namItem := box("\xa9nam", nam)
	ilst := box("ilst", namItem)
	meta := box("meta", concat(u32(0), ilst))
	udta := box("udta", meta)

	// Splice udta into moov by rebuilding the file with it appended after moov's content.
	data := append([]byte{}, base...)
	// Simplest: append a second top-level "moov" won't parse as part of original trak,
	// but per the dispatch table, a second top-level container is still walked.
	topMoov := box("moov", udta)
	data = append(data, topMoov...)

	path := writeTempFile(t, data)

	var gotTag string
	var gotValue []byte
	_, err := m4a.Parse(path, testLogger(t), func(tag string, value []byte, mtype uint8) {
		gotTag = tag
		gotValue = value
	})
	require.NoError(t, err)
	assert.Equal(t, "\xa9nam", gotTag)
	assert.Equal(t, "My Song", string(gotValue))
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
