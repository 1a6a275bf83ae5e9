package tiffio

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"sort"
)

// Compression names accepted by the writers.
const (
	CompressionNone    = "none"
	CompressionDeflate = "deflate"
)

// TIFF compression tag values.
const (
	compressNoneTag    = 1
	compressDeflateTag = 8 // Adobe deflate (zlib streams)
)

// WriteOptions configures a single-page grayscale write.
type WriteOptions struct {
	// PixelSizeMicrons sets X/YResolution (pixels per centimeter).
	// Zero leaves the resolution tags out.
	PixelSizeMicrons float64
	Description      string
	Compression      string
}

// PyramidOptions configures a tiled multi-resolution OME-TIFF write.
type PyramidOptions struct {
	TileSize         int
	Compression      string
	PixelSizeMicrons float64
	Channels         []ChannelMeta
	Name             string
	// Description, when set, is written verbatim as the first page's
	// ImageDescription instead of a generated OME-XML block. Used to
	// carry a source file's metadata through re-writing.
	Description string
}

func compressionTag(name string) (uint16, error) {
	switch name {
	case "", CompressionNone:
		return compressNoneTag, nil
	case CompressionDeflate:
		return compressDeflateTag, nil
	default:
		return 0, fmt.Errorf("unsupported compression %q", name)
	}
}

// WriteGray16 writes a 16-bit grayscale image as a single-page striped
// TIFF. Used for split channels and cleaned slices.
func WriteGray16(path string, img *image.Gray16, opts WriteOptions) error {
	return writeSinglePage(path, img.Bounds(), 16, gray16Rows(img), opts)
}

// WriteGray8 writes an 8-bit grayscale image as a single-page striped
// TIFF. Used for brain masks.
func WriteGray8(path string, img *image.Gray, opts WriteOptions) error {
	return writeSinglePage(path, img.Bounds(), 8, gray8Rows(img), opts)
}

// gray16Rows returns the raw big-endian sample bytes of each row.
// image.Gray16 already stores pixels big-endian, matching a big-endian
// sample layout, but TIFF readers honor the file byte order, so the
// samples are re-packed little-endian here.
func gray16Rows(img *image.Gray16) func(y int) []byte {
	b := img.Bounds()
	return func(y int) []byte {
		row := make([]byte, b.Dx()*2)
		for x := 0; x < b.Dx(); x++ {
			v := img.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			binary.LittleEndian.PutUint16(row[x*2:], v)
		}
		return row
	}
}

func gray8Rows(img *image.Gray) func(y int) []byte {
	b := img.Bounds()
	return func(y int) []byte {
		row := make([]byte, b.Dx())
		for x := 0; x < b.Dx(); x++ {
			row[x] = img.GrayAt(b.Min.X+x, b.Min.Y+y).Y
		}
		return row
	}
}

func writeSinglePage(path string, bounds image.Rectangle, bits int, rowFn func(y int) []byte, opts WriteOptions) error {
	comp, err := compressionTag(opts.Compression)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := newEncoder(f)
	if err := enc.writeHeader(); err != nil {
		return err
	}

	width, height := bounds.Dx(), bounds.Dy()

	// One strip per 64 rows keeps strips small without an offset table
	// per row.
	rowsPerStrip := 64
	if rowsPerStrip > height {
		rowsPerStrip = height
	}
	numStrips := (height + rowsPerStrip - 1) / rowsPerStrip

	offsets := make([]uint32, numStrips)
	counts := make([]uint32, numStrips)
	for s := 0; s < numStrips; s++ {
		var raw bytes.Buffer
		for y := s * rowsPerStrip; y < (s+1)*rowsPerStrip && y < height; y++ {
			raw.Write(rowFn(y))
		}
		data := raw.Bytes()
		if comp == compressDeflateTag {
			data, err = deflate(data)
			if err != nil {
				return err
			}
		}
		off, err := enc.writeData(data)
		if err != nil {
			return err
		}
		offsets[s] = off
		counts[s] = uint32(len(data))
	}

	ifd := newIFD()
	ifd.addLong(tagImageWidth, uint32(width))
	ifd.addLong(tagImageLength, uint32(height))
	ifd.addShort(tagBitsPerSample, uint16(bits))
	ifd.addShort(tagCompression, comp)
	ifd.addShort(tagPhotometric, 1) // BlackIsZero
	if opts.Description != "" {
		ifd.addASCII(tagImageDescription, opts.Description)
	}
	ifd.addLongs(tagStripOffsets, offsets)
	ifd.addShort(tagSamplesPerPixel, 1)
	ifd.addLong(tagRowsPerStrip, uint32(rowsPerStrip))
	ifd.addLongs(tagStripByteCounts, counts)
	if opts.PixelSizeMicrons > 0 {
		res := resolutionRational(opts.PixelSizeMicrons)
		ifd.addRational(tagXResolution, res)
		ifd.addRational(tagYResolution, res)
		ifd.addShort(tagResolutionUnit, ResUnitCentimeter)
	}
	ifd.addASCII(tagSoftware, "histopipe")
	ifd.addShort(tagSampleFormat, 1)

	if _, err := enc.writeIFD(ifd); err != nil {
		return err
	}
	return enc.close()
}

// WritePyramid writes a tiled multi-resolution OME-TIFF. levels[0]
// holds the full-resolution channel planes; each further level holds
// the same channels downscaled. Channel planes become consecutive
// pages, reduced levels are flagged as such, and the OME-XML
// description goes on the first page.
func WritePyramid(path string, levels [][]*image.Gray16, opts PyramidOptions) error {
	if len(levels) == 0 || len(levels[0]) == 0 {
		return fmt.Errorf("pyramid has no levels")
	}
	comp, err := compressionTag(opts.Compression)
	if err != nil {
		return err
	}
	tile := opts.TileSize
	if tile <= 0 {
		tile = 512
	}
	if tile%16 != 0 {
		return fmt.Errorf("tile size %d is not a multiple of 16", tile)
	}
	channels := len(levels[0])
	for i, lvl := range levels {
		if len(lvl) != channels {
			return fmt.Errorf("level %d has %d channels, level 0 has %d", i, len(lvl), channels)
		}
	}

	full := levels[0][0].Bounds()
	description := opts.Description
	if description == "" {
		description, err = BuildOMEXML(opts.Name, full.Dx(), full.Dy(), opts.Channels, opts.PixelSizeMicrons)
		if err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := newEncoder(f)
	if err := enc.writeHeader(); err != nil {
		return err
	}

	first := true
	for li, lvl := range levels {
		// Each level halves (or divides by the configured factor) the
		// physical resolution relative to the full image.
		scale := float64(lvl[0].Bounds().Dx()) / float64(full.Dx())
		for _, plane := range lvl {
			var pageDesc string
			if first {
				pageDesc = description
			}
			err := writeTiledPage(enc, plane, tiledPageOptions{
				tileSize:    tile,
				compression: comp,
				reduced:     li > 0,
				description: pageDesc,
				pixelSize:   opts.PixelSizeMicrons / scaleOrOne(scale),
			})
			if err != nil {
				return err
			}
			first = false
		}
	}
	return enc.close()
}

func scaleOrOne(s float64) float64 {
	if s <= 0 {
		return 1
	}
	return s
}

type tiledPageOptions struct {
	tileSize    int
	compression uint16
	reduced     bool
	description string
	pixelSize   float64
}

func writeTiledPage(enc *encoder, img *image.Gray16, opts tiledPageOptions) error {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	tile := opts.tileSize

	tilesAcross := (width + tile - 1) / tile
	tilesDown := (height + tile - 1) / tile
	numTiles := tilesAcross * tilesDown

	offsets := make([]uint32, 0, numTiles)
	counts := make([]uint32, 0, numTiles)
	row := make([]byte, tile*2)
	for ty := 0; ty < tilesDown; ty++ {
		for tx := 0; tx < tilesAcross; tx++ {
			var raw bytes.Buffer
			raw.Grow(tile * tile * 2)
			for y := 0; y < tile; y++ {
				sy := b.Min.Y + ty*tile + y
				for i := range row {
					row[i] = 0
				}
				if sy < b.Max.Y {
					for x := 0; x < tile; x++ {
						sx := b.Min.X + tx*tile + x
						if sx >= b.Max.X {
							break
						}
						binary.LittleEndian.PutUint16(row[x*2:], img.Gray16At(sx, sy).Y)
					}
				}
				raw.Write(row)
			}
			data := raw.Bytes()
			if opts.compression == compressDeflateTag {
				var err error
				data, err = deflate(data)
				if err != nil {
					return err
				}
			}
			off, err := enc.writeData(data)
			if err != nil {
				return err
			}
			offsets = append(offsets, off)
			counts = append(counts, uint32(len(data)))
		}
	}

	ifd := newIFD()
	if opts.reduced {
		ifd.addLong(tagNewSubfileType, 1)
	} else {
		ifd.addLong(tagNewSubfileType, 0)
	}
	ifd.addLong(tagImageWidth, uint32(width))
	ifd.addLong(tagImageLength, uint32(height))
	ifd.addShort(tagBitsPerSample, 16)
	ifd.addShort(tagCompression, opts.compression)
	ifd.addShort(tagPhotometric, 1)
	if opts.description != "" {
		ifd.addASCII(tagImageDescription, opts.description)
	}
	ifd.addShort(tagSamplesPerPixel, 1)
	if opts.pixelSize > 0 {
		res := resolutionRational(opts.pixelSize)
		ifd.addRational(tagXResolution, res)
		ifd.addRational(tagYResolution, res)
		ifd.addShort(tagResolutionUnit, ResUnitCentimeter)
	}
	ifd.addShort(tagPlanarConfig, 1)
	ifd.addASCII(tagSoftware, "histopipe")
	ifd.addShort(tagTileWidth, uint16(tile))
	ifd.addShort(tagTileLength, uint16(tile))
	ifd.addLongs(tagTileOffsets, offsets)
	ifd.addLongs(tagTileByteCounts, counts)
	ifd.addShort(tagSampleFormat, 1)

	_, err := enc.writeIFD(ifd)
	return err
}

// resolutionRational converts a pixel size in microns to a pixels-per-
// centimeter rational, keeping three decimals of precision.
func resolutionRational(pixelSizeMicrons float64) Rational {
	ppcm := 1e4 / pixelSizeMicrons
	return Rational{Numerator: uint32(ppcm*1000 + 0.5), Denominator: 1000}
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encoder writes TIFF structures sequentially and patches IFD chain
// pointers as pages are appended.
type encoder struct {
	f       io.WriteSeeker
	offset  uint32
	nextPtr uint32 // file position of the pointer to the next IFD
}

func newEncoder(f io.WriteSeeker) *encoder {
	return &encoder{f: f}
}

func (e *encoder) writeHeader() error {
	// Little-endian classic TIFF; the first IFD pointer is patched when
	// the first IFD is written.
	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	if _, err := e.f.Write(header); err != nil {
		return err
	}
	e.offset = 8
	e.nextPtr = 4
	return nil
}

// writeData appends a data block at a word-aligned offset and returns
// the offset it was written at.
func (e *encoder) writeData(data []byte) (uint32, error) {
	if err := e.align(); err != nil {
		return 0, err
	}
	off := e.offset
	if _, err := e.f.Write(data); err != nil {
		return 0, err
	}
	e.offset += uint32(len(data))
	return off, nil
}

func (e *encoder) align() error {
	if e.offset%2 == 0 {
		return nil
	}
	if _, err := e.f.Write([]byte{0}); err != nil {
		return err
	}
	e.offset++
	return nil
}

// writeIFD lays out an IFD's out-of-line values followed by the entry
// table, then patches the previous next-IFD pointer to reach it.
func (e *encoder) writeIFD(ifd *ifdBuilder) (uint32, error) {
	if err := e.align(); err != nil {
		return 0, err
	}

	sort.Slice(ifd.entries, func(i, j int) bool {
		return ifd.entries[i].tag < ifd.entries[j].tag
	})

	// Values longer than four bytes live before the entry table.
	extBase := e.offset
	var extBuf bytes.Buffer
	for i := range ifd.entries {
		entry := &ifd.entries[i]
		if len(entry.value) > 4 {
			if extBuf.Len()%2 == 1 {
				extBuf.WriteByte(0)
			}
			entry.valueOffset = extBase + uint32(extBuf.Len())
			extBuf.Write(entry.value)
		}
	}
	if extBuf.Len()%2 == 1 {
		extBuf.WriteByte(0)
	}
	if _, err := e.f.Write(extBuf.Bytes()); err != nil {
		return 0, err
	}
	e.offset += uint32(extBuf.Len())

	ifdOffset := e.offset
	var buf bytes.Buffer
	le := binary.LittleEndian
	var count [2]byte
	le.PutUint16(count[:], uint16(len(ifd.entries)))
	buf.Write(count[:])
	for _, entry := range ifd.entries {
		var eb [12]byte
		le.PutUint16(eb[0:2], entry.tag)
		le.PutUint16(eb[2:4], entry.typ)
		le.PutUint32(eb[4:8], entry.count)
		if len(entry.value) > 4 {
			le.PutUint32(eb[8:12], entry.valueOffset)
		} else {
			copy(eb[8:12], entry.value)
		}
		buf.Write(eb[:])
	}
	// Next-IFD pointer, patched by the following writeIFD or left zero.
	buf.Write([]byte{0, 0, 0, 0})

	if _, err := e.f.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	e.offset += uint32(buf.Len())

	// Patch the previous pointer to chain this IFD in.
	if err := e.patchPointer(e.nextPtr, ifdOffset); err != nil {
		return 0, err
	}
	e.nextPtr = ifdOffset + 2 + uint32(len(ifd.entries))*12

	return ifdOffset, nil
}

func (e *encoder) patchPointer(pos, value uint32) error {
	if _, err := e.f.Seek(int64(pos), io.SeekStart); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := e.f.Write(buf[:]); err != nil {
		return err
	}
	_, err := e.f.Seek(int64(e.offset), io.SeekStart)
	return err
}

func (e *encoder) close() error {
	return nil
}

type ifdEntry struct {
	tag         uint16
	typ         uint16
	count       uint32
	value       []byte
	valueOffset uint32
}

type ifdBuilder struct {
	entries []ifdEntry
}

func newIFD() *ifdBuilder {
	return &ifdBuilder{}
}

func (b *ifdBuilder) addShort(tag uint16, v uint16) {
	val := make([]byte, 2)
	binary.LittleEndian.PutUint16(val, v)
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: 3, count: 1, value: val})
}

func (b *ifdBuilder) addLong(tag uint16, v uint32) {
	val := make([]byte, 4)
	binary.LittleEndian.PutUint32(val, v)
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: 4, count: 1, value: val})
}

func (b *ifdBuilder) addLongs(tag uint16, vs []uint32) {
	val := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(val[i*4:], v)
	}
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: 4, count: uint32(len(vs)), value: val})
}

func (b *ifdBuilder) addRational(tag uint16, r Rational) {
	val := make([]byte, 8)
	binary.LittleEndian.PutUint32(val[0:4], r.Numerator)
	binary.LittleEndian.PutUint32(val[4:8], r.Denominator)
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: 5, count: 1, value: val})
}

func (b *ifdBuilder) addASCII(tag uint16, s string) {
	val := append([]byte(s), 0)
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: 2, count: uint32(len(val)), value: val})
}
