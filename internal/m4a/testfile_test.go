package m4a_test

import (
	"encoding/binary"
	"os"
	"testing"
)

// box builds one size-framed, 4-char-typed MP4 box.
func box(boxType string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(payload)))
	copy(out[4:8], boxType)
	copy(out[8:], payload)
	return out
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// buildALACFile assembles a minimal, well-formed ALAC M4A file with the
// given timescale and per-sample payload sizes, returning the full file
// bytes. Every media-data byte of sample i has the value i+1.
func buildALACFile(t *testing.T, timescale uint32, sampleSizes []uint32) []byte {
	t.Helper()

	ftyp := box("ftyp", concat([]byte("M4A "), u32(0), []byte("M4A  mp42isom")))

	// mvhd version 0: version+flags(4) + creation(4) + modification(4) + timescale(4) + duration(4) + rest
	var totalDuration uint32
	for range sampleSizes {
		totalDuration += 4096
	}
	mvhdPayload := concat(
		u32(0), u32(0), u32(0), // version+flags, creation, modification
		u32(timescale),
		u32(totalDuration),
		make([]byte, 4+2+2+36+4+4+4), // rate,volume,reserved,matrix,predefined x6... approx filler
	)
	mvhd := box("mvhd", mvhdPayload)

	alac := box("alac", make([]byte, 28))
	stsdPayload := concat(u32(0), u32(1), alac) // version+flags, entry count, alac entry
	stsd := box("stsd", stsdPayload)
	stbl_inner := concat(stsd)

	sttsPayload := concat(u32(0), u32(1), u32(uint32(len(sampleSizes))), u32(4096))
	stts := box("stts", sttsPayload)

	var sizeEntries []byte
	for _, s := range sampleSizes {
		sizeEntries = append(sizeEntries, u32(s)...)
	}
	stszPayload := concat(u32(0), u32(0), u32(uint32(len(sampleSizes))), sizeEntries)
	stsz := box("stsz", stszPayload)

	stbl := box("stbl", concat(stbl_inner, stts, stsz))
	minf := box("minf", stbl)
	mdia := box("mdia", minf)
	trak := box("trak", mdia)
	moov := box("moov", concat(mvhd, trak))

	var mdatPayload []byte
	for i, s := range sampleSizes {
		for j := uint32(0); j < s; j++ {
			mdatPayload = append(mdatPayload, byte(i+1))
		}
	}
	mdat := box("mdat", mdatPayload)

	return concat(ftyp, moov, mdat)
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "test-*.m4a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return f.Name()
}
