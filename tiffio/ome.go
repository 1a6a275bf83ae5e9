package tiffio

import (
	"encoding/xml"
	"fmt"
	"log"
	"math"
	"strings"
)

// omeDocument mirrors the parts of an OME-XML document the pipeline
// reads and writes. Namespaces vary between writers (ZEN, tifffile,
// our own output); the decoder matches on local names so they all
// parse the same way.
type omeDocument struct {
	XMLName xml.Name   `xml:"OME"`
	Xmlns   string     `xml:"xmlns,attr,omitempty"`
	Creator string     `xml:"Creator,attr,omitempty"`
	Images  []omeImage `xml:"Image"`
}

type omeImage struct {
	ID     string    `xml:"ID,attr,omitempty"`
	Name   string    `xml:"Name,attr,omitempty"`
	Pixels omePixels `xml:"Pixels"`
}

type omePixels struct {
	ID                string       `xml:"ID,attr,omitempty"`
	DimensionOrder    string       `xml:"DimensionOrder,attr,omitempty"`
	Type              string       `xml:"Type,attr,omitempty"`
	SizeX             int          `xml:"SizeX,attr"`
	SizeY             int          `xml:"SizeY,attr"`
	SizeC             int          `xml:"SizeC,attr"`
	SizeZ             int          `xml:"SizeZ,attr"`
	SizeT             int          `xml:"SizeT,attr"`
	PhysicalSizeX     float64      `xml:"PhysicalSizeX,attr,omitempty"`
	PhysicalSizeXUnit string       `xml:"PhysicalSizeXUnit,attr,omitempty"`
	PhysicalSizeY     float64      `xml:"PhysicalSizeY,attr,omitempty"`
	PhysicalSizeYUnit string       `xml:"PhysicalSizeYUnit,attr,omitempty"`
	Channels          []omeChannel `xml:"Channel"`
	TiffData          *struct{}    `xml:"TiffData"`
}

type omeChannel struct {
	ID              string `xml:"ID,attr,omitempty"`
	Name            string `xml:"Name,attr,omitempty"`
	Color           int32  `xml:"Color,attr,omitempty"`
	SamplesPerPixel int    `xml:"SamplesPerPixel,attr,omitempty"`
}

const omeNamespace = "http://www.openmicroscopy.org/Schemas/OME/2016-06"

// ChannelMeta describes one fluorescence channel for OME output.
type ChannelMeta struct {
	Name  string
	Color [3]uint8
}

// RGBToInt packs a channel color the way OME stores it: four bytes
// r, g, b, alpha interpreted as a big-endian signed 32-bit integer,
// with alpha left at zero.
func RGBToInt(r, g, b uint8) int32 {
	return int32(uint32(r)<<24 | uint32(g)<<16 | uint32(b)<<8)
}

// PixelSizeFromDescription extracts the physical pixel size in microns
// from an OME-XML image description. When X and Y sizes differ the mean
// is used and a warning is logged.
func PixelSizeFromDescription(desc string) (float64, error) {
	if !strings.Contains(desc, "<OME") {
		return 0, fmt.Errorf("image description carries no OME-XML")
	}
	var doc omeDocument
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return 0, fmt.Errorf("parsing OME-XML: %w", err)
	}
	if len(doc.Images) == 0 {
		return 0, fmt.Errorf("OME-XML has no Image element")
	}
	px := doc.Images[0].Pixels
	sx, sy := px.PhysicalSizeX, px.PhysicalSizeY
	if sx <= 0 && sy <= 0 {
		return 0, fmt.Errorf("OME-XML has no physical pixel size")
	}
	if sx <= 0 {
		sx = sy
	}
	if sy <= 0 {
		sy = sx
	}
	if math.Abs(sx-sy) > 1e-9 {
		log.Printf("Anisotropic pixel size (%.6g x %.6g um), using the mean", sx, sy)
	}
	return (sx + sy) / 2, nil
}

// ReadPixelSize reads a file's metadata and returns the physical pixel
// size in microns. OME-XML takes precedence; plain TIFFs fall back to
// the resolution tags of the first page.
func ReadPixelSize(path string) (float64, error) {
	info, err := ReadInfo(path)
	if err != nil {
		return 0, err
	}
	if size, err := PixelSizeFromDescription(info.Description()); err == nil {
		return size, nil
	}
	if size := info.PixelSize(); size > 0 {
		return size, nil
	}
	return 0, fmt.Errorf("%s: no pixel size metadata", path)
}

// ChannelsFromDescription returns the channel names and colors declared
// in an OME-XML image description.
func ChannelsFromDescription(desc string) ([]ChannelMeta, error) {
	var doc omeDocument
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return nil, fmt.Errorf("parsing OME-XML: %w", err)
	}
	if len(doc.Images) == 0 {
		return nil, fmt.Errorf("OME-XML has no Image element")
	}
	var out []ChannelMeta
	for _, ch := range doc.Images[0].Pixels.Channels {
		c := uint32(ch.Color)
		out = append(out, ChannelMeta{
			Name:  ch.Name,
			Color: [3]uint8{uint8(c >> 24), uint8(c >> 16), uint8(c >> 8)},
		})
	}
	return out, nil
}

// BuildOMEXML renders the OME-XML description for a pyramidal output
// file: one image, uint16 pixels, the given channels, physical pixel
// size in microns.
func BuildOMEXML(name string, width, height int, channels []ChannelMeta, pixelSizeMicrons float64) (string, error) {
	doc := omeDocument{
		Xmlns:   omeNamespace,
		Creator: "histopipe",
		Images: []omeImage{{
			ID:   "Image:0",
			Name: name,
			Pixels: omePixels{
				ID:             "Pixels:0",
				DimensionOrder: "XYCZT",
				Type:           "uint16",
				SizeX:          width,
				SizeY:          height,
				SizeC:          len(channels),
				SizeZ:          1,
				SizeT:          1,
				TiffData:       &struct{}{},
			},
		}},
	}
	if pixelSizeMicrons > 0 {
		doc.Images[0].Pixels.PhysicalSizeX = pixelSizeMicrons
		doc.Images[0].Pixels.PhysicalSizeXUnit = "µm"
		doc.Images[0].Pixels.PhysicalSizeY = pixelSizeMicrons
		doc.Images[0].Pixels.PhysicalSizeYUnit = "µm"
	}
	for i, ch := range channels {
		doc.Images[0].Pixels.Channels = append(doc.Images[0].Pixels.Channels, omeChannel{
			ID:              fmt.Sprintf("Channel:0:%d", i),
			Name:            ch.Name,
			Color:           RGBToInt(ch.Color[0], ch.Color[1], ch.Color[2]),
			SamplesPerPixel: 1,
		})
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return xml.Header + string(body), nil
}
