// Package m4a implements the MP4/M4A container parser (spec §4.2) and the
// sample cursor built on top of it (spec §4.3). The parser is a one-pass,
// recursive box walker: it never loads the file into memory and never
// decodes audio — it only locates the timescale, duration, sample-size
// table, and media-data offset an ALAC stream needs to be pumped out
// untouched.
package m4a

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/ethan/raopplay/internal/logger"
)

// MetadataHandler receives an Apple iTunes annotation item ("ilst" child)
// as it is parsed: tag is the item's 4-char box type ("©nam", "trkn", ...),
// or, for a "----" freeform item, the combined "mean:name" identity found
// in its "mean"/"name" sub-boxes. mtype is the low-5-bit "data" type flag.
type MetadataHandler func(tag string, data []byte, mtype uint8)

// Parser walks one MP4 file and accumulates a Descriptor.
type Parser struct {
	f        *os.File
	log      *logger.Logger
	desc     *Descriptor
	onMeta   MetadataHandler
	freeformMean, freeformName string
}

// Parse opens path and walks its box tree, returning the populated
// Descriptor. A nil error with Status == StatusParsedWithWarnings means the
// file is usable but had skippable irregularities; a non-nil error means
// the container could not be parsed at all (spec §7, ContainerMalformed).
func Parse(path string, log *logger.Logger, onMeta MetadataHandler) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, malformed("open %s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, malformed("stat %s: %v", path, err)
	}

	p := &Parser{f: f, log: log, desc: &Descriptor{}, onMeta: onMeta}
	if err := p.walkBoxes(0, info.Size()); err != nil {
		p.desc.Status = StatusError
		return p.desc, err
	}

	if p.desc.Timescale == 0 {
		p.desc.warn("timescale was never set")
	}
	if p.desc.SampleCount == 0 {
		p.desc.warn("sample count was never set")
	}

	return p.desc, nil
}

type boxHeader struct {
	size     int64
	boxType  string
	payload  int64 // size - 8
	startPos int64 // offset of payload start
}

func (p *Parser) readHeader(pos, end int64) (boxHeader, error) {
	if pos+8 > end {
		return boxHeader{}, malformed("box header at %d runs past container end %d", pos, end)
	}
	var hdr [8]byte
	if _, err := p.f.ReadAt(hdr[:], pos); err != nil {
		return boxHeader{}, malformed("read box header at %d: %v", pos, err)
	}
	size := int64(binary.BigEndian.Uint32(hdr[0:4]))
	boxType := string(hdr[4:8])
	if size < 8 {
		return boxHeader{}, malformed("box %q at %d has implausible size %d", boxType, pos, size)
	}
	if pos+size > end {
		return boxHeader{}, malformed("box %q at %d (size %d) overruns container end %d", boxType, pos, size, end)
	}
	return boxHeader{size: size, boxType: boxType, payload: size - 8, startPos: pos + 8}, nil
}

// walkBoxes dispatches every box found in [pos, end) per the table in
// spec §4.2.
func (p *Parser) walkBoxes(pos, end int64) error {
	for pos < end {
		hdr, err := p.readHeader(pos, end)
		if err != nil {
			return err
		}

		p.log.DebugM4A("box", "type", hdr.boxType, "pos", pos, "size", hdr.size)

		if err := p.dispatch(hdr); err != nil {
			return err
		}

		pos += hdr.size
	}
	return nil
}

func (p *Parser) dispatch(hdr boxHeader) error {
	switch hdr.boxType {
	case "ftyp":
		return p.handleFtyp(hdr)
	case "moov", "trak", "udta", "mdia", "minf", "dinf", "stbl":
		return p.walkBoxes(hdr.startPos, hdr.startPos+hdr.payload)
	case "ilst":
		return p.walkIlst(hdr.startPos, hdr.startPos+hdr.payload)
	case "mvhd":
		return p.handleMvhdMdhd(hdr)
	case "mdhd":
		return p.handleMvhdMdhd(hdr)
	case "tkhd":
		return p.handleTkhd(hdr)
	case "stsd":
		return p.handleStsd(hdr)
	case "alac":
		return p.handleAlac(hdr)
	case "mp4a":
		return p.handleMp4a(hdr)
	case "stts":
		return p.handleStts(hdr)
	case "stsz":
		return p.handleStsz(hdr)
	case "mdat":
		return p.handleMdat(hdr)
	case "meta":
		return p.handleMeta(hdr)
	case "free", "hdlr", "dref", "smhd", "stsc", "stco":
		return nil // skip payload, nothing to learn
	default:
		p.desc.warn("skipping unknown box %q (%d bytes)", hdr.boxType, hdr.payload)
		return nil
	}
}

// readN reads exactly n bytes starting at pos.
func (p *Parser) readN(pos int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(p.f, pos, int64(n)), buf); err != nil {
		return nil, malformed("short read at %d (wanted %d bytes): %v", pos, n, err)
	}
	return buf, nil
}

func (p *Parser) handleFtyp(hdr boxHeader) error {
	buf, err := p.readN(hdr.startPos, 8)
	if err != nil {
		return err
	}
	major := string(buf[0:4])
	minor := binary.BigEndian.Uint32(buf[4:8])
	if major != "M4A " || minor != 0 {
		p.desc.warn("ftyp major=%q minor=%d, expected \"M4A \"/0", major, minor)
	}
	// remaining compatible-brands list is skipped unread.
	return nil
}

func (p *Parser) handleMvhdMdhd(hdr boxHeader) error {
	vf, err := p.readN(hdr.startPos, 4)
	if err != nil {
		return err
	}
	version := vf[0] // 1-byte version, 3-byte flags
	pos := hdr.startPos + 4

	var timesWidth int
	if version == 1 {
		timesWidth = 8
	} else {
		timesWidth = 4
	}
	pos += int64(2 * timesWidth) // creation_time + modification_time

	tsBuf, err := p.readN(pos, 4)
	if err != nil {
		return err
	}
	p.desc.setTimescale(binary.BigEndian.Uint32(tsBuf))
	pos += 4

	durBuf, err := p.readN(pos, timesWidth)
	if err != nil {
		return err
	}
	var duration uint32
	if timesWidth == 8 {
		duration = uint32(binary.BigEndian.Uint64(durBuf))
	} else {
		duration = binary.BigEndian.Uint32(durBuf)
	}
	p.desc.setDuration(duration)

	return nil
}

func (p *Parser) handleTkhd(hdr boxHeader) error {
	vf, err := p.readN(hdr.startPos, 4)
	if err != nil {
		return err
	}
	version := vf[0] // 1-byte version, 3-byte flags
	pos := hdr.startPos + 4

	var timesWidth int
	if version == 1 {
		timesWidth = 8
	} else {
		timesWidth = 4
	}
	pos += int64(2 * timesWidth) // creation_time + modification_time
	pos += 4                     // track_ID
	pos += 4                     // reserved

	durBuf, err := p.readN(pos, timesWidth)
	if err != nil {
		return err
	}
	var duration uint32
	if timesWidth == 8 {
		duration = uint32(binary.BigEndian.Uint64(durBuf))
	} else {
		duration = binary.BigEndian.Uint32(durBuf)
	}
	p.desc.setDuration(duration)

	return nil
}

func (p *Parser) handleStsd(hdr boxHeader) error {
	// version+flags(4) + entry count(4), then recurse over sample entries.
	childStart := hdr.startPos + 8
	if hdr.payload < 8 {
		return malformed("stsd box too small (%d bytes)", hdr.payload)
	}
	return p.walkBoxes(childStart, hdr.startPos+hdr.payload)
}

func (p *Parser) handleAlac(hdr boxHeader) error {
	if p.desc.Encoding == EncodingAAC {
		p.desc.warn("alac box seen after mp4a; treating stream as ALAC")
	}
	p.desc.Encoding = EncodingALAC
	return nil
}

func (p *Parser) handleMp4a(hdr boxHeader) error {
	p.desc.warn("mp4a (AAC) sample entry present; not the target ALAC format")
	if p.desc.Encoding != EncodingALAC {
		p.desc.Encoding = EncodingAAC
	}
	return nil
}

func (p *Parser) handleStts(hdr boxHeader) error {
	vf, err := p.readN(hdr.startPos, 8)
	if err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(vf[4:8])

	pos := hdr.startPos + 8
	var total uint64
	for i := uint32(0); i < n; i++ {
		entry, err := p.readN(pos, 8)
		if err != nil {
			return err
		}
		frameCount := binary.BigEndian.Uint32(entry[0:4])
		duration := binary.BigEndian.Uint32(entry[4:8])
		total += uint64(frameCount) * uint64(duration)
		pos += 8
	}
	if total > 0xFFFFFFFF {
		total = 0xFFFFFFFF
	}
	p.desc.setDuration(uint32(total))
	return nil
}

func (p *Parser) handleStsz(hdr boxHeader) error {
	vf, err := p.readN(hdr.startPos, 12)
	if err != nil {
		return err
	}
	sampleSizeForAll := binary.BigEndian.Uint32(vf[4:8])
	sampleCount := binary.BigEndian.Uint32(vf[8:12])
	if sampleSizeForAll != 0 {
		p.desc.warn("stsz sample_size_for_all=%d, expected 0", sampleSizeForAll)
	}
	p.desc.SampleCount = sampleCount

	tableStart := hdr.startPos + 12
	p.desc.SizeTableOffset = tableStart

	var total uint64
	var largest uint32
	pos := tableStart
	for i := uint32(0); i < sampleCount; i++ {
		entry, err := p.readN(pos, 4)
		if err != nil {
			return err
		}
		size := binary.BigEndian.Uint32(entry)
		total += uint64(size)
		if size > largest {
			largest = size
		}
		pos += 4
	}
	if total > 0xFFFFFFFF {
		total = 0xFFFFFFFF
	}
	p.desc.TotalSampleSize = uint32(total)
	p.desc.LargestSampleSize = largest
	return nil
}

func (p *Parser) handleMdat(hdr boxHeader) error {
	p.desc.DataOffset = hdr.startPos
	candidate := uint64(hdr.payload)
	if candidate > 0xFFFFFFFF {
		candidate = 0xFFFFFFFF
	}
	if p.desc.TotalSampleSize != 0 && uint64(p.desc.TotalSampleSize) != candidate {
		p.desc.warn("mdat payload size %d disagrees with stsz total %d; using the smaller", candidate, p.desc.TotalSampleSize)
		if candidate < uint64(p.desc.TotalSampleSize) {
			p.desc.TotalSampleSize = uint32(candidate)
		}
	} else if p.desc.TotalSampleSize == 0 {
		p.desc.TotalSampleSize = uint32(candidate)
	}
	return nil
}

func (p *Parser) handleMeta(hdr boxHeader) error {
	childStart := hdr.startPos + 4
	if hdr.payload < 4 {
		return malformed("meta box too small (%d bytes)", hdr.payload)
	}
	return p.walkBoxes(childStart, hdr.startPos+hdr.payload)
}

// walkIlst treats every child of "ilst" as an Apple annotation item,
// regardless of its own 4-char code (spec §4.2 dispatch table).
func (p *Parser) walkIlst(pos, end int64) error {
	for pos < end {
		hdr, err := p.readHeader(pos, end)
		if err != nil {
			return err
		}
		if err := p.walkAnnotationItem(hdr); err != nil {
			return err
		}
		pos += hdr.size
	}
	return nil
}

func (p *Parser) walkAnnotationItem(item boxHeader) error {
	outerTag := item.boxType
	isFreeform := outerTag == "----"
	p.freeformMean, p.freeformName = "", ""

	pos := item.startPos
	end := item.startPos + item.payload
	for pos < end {
		hdr, err := p.readHeader(pos, end)
		if err != nil {
			return err
		}
		switch hdr.boxType {
		case "mean":
			buf, err := p.readN(hdr.startPos+4, int(hdr.payload-4))
			if err == nil {
				p.freeformMean = string(buf)
			}
		case "name":
			buf, err := p.readN(hdr.startPos+4, int(hdr.payload-4))
			if err == nil {
				p.freeformName = string(buf)
			}
		case "data":
			if err := p.handleAnnotationData(outerTag, isFreeform, hdr); err != nil {
				return err
			}
		default:
			p.desc.warn("skipping unrecognized annotation sub-box %q under %q", hdr.boxType, outerTag)
		}
		pos += hdr.size
	}
	return nil
}

func (p *Parser) handleAnnotationData(outerTag string, isFreeform bool, hdr boxHeader) error {
	if hdr.payload < 8 {
		return malformed("data box too small (%d bytes)", hdr.payload)
	}
	flagsBuf, err := p.readN(hdr.startPos, 4)
	if err != nil {
		return err
	}
	mtype := flagsBuf[3] & 0x1F

	valueLen := int(hdr.payload - 8)
	value, err := p.readN(hdr.startPos+8, valueLen)
	if err != nil {
		return err
	}

	tag := outerTag
	if isFreeform && (p.freeformMean != "" || p.freeformName != "") {
		tag = p.freeformMean + ":" + p.freeformName
	}

	if p.onMeta != nil {
		p.onMeta(tag, value, mtype)
	}
	return nil
}
