// Package tiffio reads and writes the TIFF files the pipeline moves
// between stages: plain grayscale pages for intermediate channels and
// masks, and tiled multi-resolution OME-TIFF for viewer-ready output.
package tiffio

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/chai2010/tiff"
)

// TIFF tag IDs used by the pipeline.
const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagXResolution      = 282
	tagYResolution      = 283
	tagPlanarConfig     = 284
	tagResolutionUnit   = 296
	tagSoftware         = 305
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagSampleFormat     = 339
)

// Resolution units from the TIFF 6.0 specification.
const (
	ResUnitNone       = 1
	ResUnitInch       = 2
	ResUnitCentimeter = 3
)

// Rational is a TIFF unsigned rational value.
type Rational struct {
	Numerator   uint32
	Denominator uint32
}

// Float returns the rational as a float64, or 0 for a zero denominator.
func (r Rational) Float() float64 {
	if r.Denominator == 0 {
		return 0
	}
	return float64(r.Numerator) / float64(r.Denominator)
}

// PageInfo holds the tags of one TIFF page that the pipeline cares about.
type PageInfo struct {
	Width          int
	Height         int
	BitsPerSample  int
	SubfileType    uint32
	Compression    uint16
	Description    string
	XResolution    Rational
	YResolution    Rational
	ResolutionUnit uint16
	Tiled          bool
}

// Info describes a TIFF file without its pixel data.
type Info struct {
	Pages []PageInfo
}

// Description returns the ImageDescription of the first page, where
// OME and ImageJ writers put their metadata.
func (i *Info) Description() string {
	if len(i.Pages) == 0 {
		return ""
	}
	return i.Pages[0].Description
}

// PixelSize derives the pixel size in microns from the resolution tags
// of the first page, or 0 when unusable.
func (i *Info) PixelSize() float64 {
	if len(i.Pages) == 0 {
		return 0
	}
	p := i.Pages[0]
	res := p.XResolution.Float()
	if res <= 0 {
		return 0
	}
	switch p.ResolutionUnit {
	case ResUnitCentimeter:
		return 1e4 / res
	case ResUnitInch:
		return 25400 / res
	}
	return 0
}

// FullPages returns the indices of pages that are not reduced-resolution
// copies (NewSubfileType bit 0 clear).
func (i *Info) FullPages() []int {
	var idx []int
	for n, p := range i.Pages {
		if p.SubfileType&1 == 0 {
			idx = append(idx, n)
		}
	}
	return idx
}

// ReadInfo parses the IFD chain of a TIFF file and returns its tags
// without decoding any pixel data.
func ReadInfo(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readInfo(f)
}

func readInfo(r io.ReadSeeker) (*Info, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading TIFF header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case header[0] == 'I' && header[1] == 'I':
		order = binary.LittleEndian
	case header[0] == 'M' && header[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a TIFF file: bad byte order mark %q", header[:2])
	}

	magic := order.Uint16(header[2:4])
	if magic == 43 {
		return nil, fmt.Errorf("BigTIFF is not supported")
	}
	if magic != 42 {
		return nil, fmt.Errorf("not a TIFF file: bad magic %d", magic)
	}

	info := &Info{}
	offset := order.Uint32(header[4:8])
	for offset != 0 {
		if len(info.Pages) > 4096 {
			return nil, fmt.Errorf("IFD chain too long, file likely corrupt")
		}
		page, next, err := readIFD(r, order, int64(offset))
		if err != nil {
			return nil, err
		}
		info.Pages = append(info.Pages, page)
		offset = next
	}

	if len(info.Pages) == 0 {
		return nil, fmt.Errorf("TIFF file has no pages")
	}
	return info, nil
}

func readIFD(r io.ReadSeeker, order binary.ByteOrder, offset int64) (PageInfo, uint32, error) {
	var page PageInfo

	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return page, 0, err
	}
	var countBuf [2]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return page, 0, fmt.Errorf("reading IFD entry count: %w", err)
	}
	count := int(order.Uint16(countBuf[:]))

	entries := make([]byte, count*12+4)
	if _, err := io.ReadFull(r, entries); err != nil {
		return page, 0, fmt.Errorf("reading IFD entries: %w", err)
	}
	next := order.Uint32(entries[count*12:])

	page.Compression = 1
	page.ResolutionUnit = ResUnitInch
	page.BitsPerSample = 1

	for i := 0; i < count; i++ {
		e := entries[i*12 : i*12+12]
		tag := order.Uint16(e[0:2])
		typ := order.Uint16(e[2:4])
		n := order.Uint32(e[4:8])

		switch tag {
		case tagNewSubfileType:
			page.SubfileType = order.Uint32(e[8:12])
		case tagImageWidth:
			page.Width = int(readScalar(e[8:12], typ, order))
		case tagImageLength:
			page.Height = int(readScalar(e[8:12], typ, order))
		case tagBitsPerSample:
			// For a single sample the value is inline; for RGB all
			// samples share a depth, so the first entry is enough.
			if n == 1 {
				page.BitsPerSample = int(readScalar(e[8:12], typ, order))
			} else {
				vals, err := readShortArray(r, order, e, typ, n)
				if err != nil {
					return page, 0, err
				}
				if len(vals) > 0 {
					page.BitsPerSample = int(vals[0])
				}
			}
		case tagCompression:
			page.Compression = uint16(readScalar(e[8:12], typ, order))
		case tagImageDescription:
			s, err := readASCII(r, order, e, n)
			if err != nil {
				return page, 0, err
			}
			page.Description = s
		case tagXResolution:
			rat, err := readRational(r, order, e)
			if err != nil {
				return page, 0, err
			}
			page.XResolution = rat
		case tagYResolution:
			rat, err := readRational(r, order, e)
			if err != nil {
				return page, 0, err
			}
			page.YResolution = rat
		case tagResolutionUnit:
			page.ResolutionUnit = uint16(readScalar(e[8:12], typ, order))
		case tagTileWidth:
			page.Tiled = true
		}
	}

	if page.Width == 0 || page.Height == 0 {
		return page, 0, fmt.Errorf("IFD at %d has no image dimensions", offset)
	}
	return page, next, nil
}

// readScalar reads a single SHORT or LONG value stored inline.
func readScalar(v []byte, typ uint16, order binary.ByteOrder) uint32 {
	switch typ {
	case 3: // SHORT
		return uint32(order.Uint16(v[0:2]))
	case 4: // LONG
		return order.Uint32(v[0:4])
	default:
		return 0
	}
}

func readShortArray(r io.ReadSeeker, order binary.ByteOrder, e []byte, typ uint16, n uint32) ([]uint16, error) {
	if typ != 3 {
		return nil, nil
	}
	vals := make([]uint16, n)
	if n <= 2 {
		for i := range vals {
			vals[i] = order.Uint16(e[8+i*2 : 10+i*2])
		}
		return vals, nil
	}
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	defer r.Seek(pos, io.SeekStart)
	if _, err := r.Seek(int64(order.Uint32(e[8:12])), io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, n*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	for i := range vals {
		vals[i] = order.Uint16(buf[i*2 : i*2+2])
	}
	return vals, nil
}

func readASCII(r io.ReadSeeker, order binary.ByteOrder, e []byte, n uint32) (string, error) {
	if n == 0 {
		return "", nil
	}
	var buf []byte
	if n <= 4 {
		buf = append(buf, e[8:8+n]...)
	} else {
		pos, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return "", err
		}
		defer r.Seek(pos, io.SeekStart)
		if _, err := r.Seek(int64(order.Uint32(e[8:12])), io.SeekStart); err != nil {
			return "", err
		}
		buf = make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	// Strip the trailing NUL required by the TIFF spec.
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

func readRational(r io.ReadSeeker, order binary.ByteOrder, e []byte) (Rational, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return Rational{}, err
	}
	defer r.Seek(pos, io.SeekStart)
	if _, err := r.Seek(int64(order.Uint32(e[8:12])), io.SeekStart); err != nil {
		return Rational{}, err
	}
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Rational{}, err
	}
	return Rational{
		Numerator:   order.Uint32(buf[0:4]),
		Denominator: order.Uint32(buf[4:8]),
	}, nil
}

// DecodePages decodes every page of a TIFF file into images. LZW and
// deflate compressed pages are handled by the decoder.
func DecodePages(path string) ([]image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pages, errs, err := tiff.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	var out []image.Image
	for i := range pages {
		for j := range pages[i] {
			if errs[i][j] != nil {
				return nil, fmt.Errorf("decoding %s page %d: %w", path, len(out), errs[i][j])
			}
			out = append(out, pages[i][j])
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s contains no decodable pages", path)
	}
	return out, nil
}

// DecodeGray16Pages decodes every page and converts each to 16-bit
// grayscale, the working depth of the whole pipeline.
func DecodeGray16Pages(path string) ([]*image.Gray16, error) {
	pages, err := DecodePages(path)
	if err != nil {
		return nil, err
	}
	out := make([]*image.Gray16, len(pages))
	for i, p := range pages {
		out[i] = ToGray16(p)
	}
	return out, nil
}

// ToGray16 converts an image to 16-bit grayscale. 8-bit sources are
// scaled up so that full brightness stays full brightness.
func ToGray16(img image.Image) *image.Gray16 {
	if g, ok := img.(*image.Gray16); ok {
		return g
	}
	b := img.Bounds()
	out := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				v := uint16(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
				out.SetGray16(x, y, color.Gray16{Y: v<<8 | v})
			}
		}
		return out
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(x, y, color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return out
}
