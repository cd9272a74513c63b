// Package pmtiles reads the fixed-size header of PMTiles v3 archives.
package pmtiles

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/terrascout/fieldmap/pkg/core"
)

// HeaderLen is the size of a v3 header in bytes.
const HeaderLen = 127

const magic = "PMTiles"

var ErrInvalidHeader = errors.New("invalid pmtiles header")

type Compression uint8

const (
	CompressionUnknown Compression = iota
	CompressionNone
	CompressionGzip
	CompressionBrotli
	CompressionZstd
)

type TileType uint8

const (
	TileTypeUnknown TileType = iota
	TileTypeMvt
	TileTypePng
	TileTypeJpeg
	TileTypeWebp
	TileTypeAvif
)

// String returns the file extension style name of the tile type.
func (t TileType) String() string {
	switch t {
	case TileTypeMvt:
		return "mvt"
	case TileTypePng:
		return "png"
	case TileTypeJpeg:
		return "jpg"
	case TileTypeWebp:
		return "webp"
	case TileTypeAvif:
		return "avif"
	}
	return "unknown"
}

// IsRaster reports whether tiles are images.
func (t TileType) IsRaster() bool {
	return t == TileTypePng || t == TileTypeJpeg || t == TileTypeWebp || t == TileTypeAvif
}

type Header struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirOffset       uint64
	LeafDirLength       uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// Bounds converts the E7 extent into degrees.
func (h Header) Bounds() core.Bounds {
	return core.Bounds{
		West:  float64(h.MinLonE7) / 1e7,
		South: float64(h.MinLatE7) / 1e7,
		East:  float64(h.MaxLonE7) / 1e7,
		North: float64(h.MaxLatE7) / 1e7,
	}
}

// Center returns the archive's suggested center in degrees.
func (h Header) Center() (lng, lat float64, zoom uint8) {
	return float64(h.CenterLonE7) / 1e7, float64(h.CenterLatE7) / 1e7, h.CenterZoom
}

// ParseHeader decodes the first HeaderLen bytes of b.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(b), HeaderLen)
	}
	if string(b[0:7]) != magic {
		return h, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}
	h.SpecVersion = b[7]
	if h.SpecVersion != 3 {
		return h, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, h.SpecVersion)
	}
	le := binary.LittleEndian
	h.RootOffset = le.Uint64(b[8:16])
	h.RootLength = le.Uint64(b[16:24])
	h.MetadataOffset = le.Uint64(b[24:32])
	h.MetadataLength = le.Uint64(b[32:40])
	h.LeafDirOffset = le.Uint64(b[40:48])
	h.LeafDirLength = le.Uint64(b[48:56])
	h.TileDataOffset = le.Uint64(b[56:64])
	h.TileDataLength = le.Uint64(b[64:72])
	h.AddressedTilesCount = le.Uint64(b[72:80])
	h.TileEntriesCount = le.Uint64(b[80:88])
	h.TileContentsCount = le.Uint64(b[88:96])
	h.Clustered = b[96] == 1
	h.InternalCompression = Compression(b[97])
	h.TileCompression = Compression(b[98])
	h.TileType = TileType(b[99])
	h.MinZoom = b[100]
	h.MaxZoom = b[101]
	h.MinLonE7 = int32(le.Uint32(b[102:106]))
	h.MinLatE7 = int32(le.Uint32(b[106:110]))
	h.MaxLonE7 = int32(le.Uint32(b[110:114]))
	h.MaxLatE7 = int32(le.Uint32(b[114:118]))
	h.CenterZoom = b[118]
	h.CenterLonE7 = int32(le.Uint32(b[119:123]))
	h.CenterLatE7 = int32(le.Uint32(b[123:127]))
	return h, nil
}

// ReadHeader reads and decodes the header at the start of r.
func ReadHeader(r io.ReaderAt) (Header, error) {
	buf := make([]byte, HeaderLen)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == HeaderLen) {
		if errors.Is(err, io.EOF) {
			return Header{}, fmt.Errorf("%w: short read (%d bytes)", ErrInvalidHeader, n)
		}
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	return ParseHeader(buf)
}

// Serialize encodes h into a HeaderLen byte slice.
func (h Header) Serialize() []byte {
	b := make([]byte, HeaderLen)
	copy(b[0:7], magic)
	b[7] = 3
	le := binary.LittleEndian
	le.PutUint64(b[8:16], h.RootOffset)
	le.PutUint64(b[16:24], h.RootLength)
	le.PutUint64(b[24:32], h.MetadataOffset)
	le.PutUint64(b[32:40], h.MetadataLength)
	le.PutUint64(b[40:48], h.LeafDirOffset)
	le.PutUint64(b[48:56], h.LeafDirLength)
	le.PutUint64(b[56:64], h.TileDataOffset)
	le.PutUint64(b[64:72], h.TileDataLength)
	le.PutUint64(b[72:80], h.AddressedTilesCount)
	le.PutUint64(b[80:88], h.TileEntriesCount)
	le.PutUint64(b[88:96], h.TileContentsCount)
	if h.Clustered {
		b[96] = 1
	}
	b[97] = byte(h.InternalCompression)
	b[98] = byte(h.TileCompression)
	b[99] = byte(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	le.PutUint32(b[102:106], uint32(h.MinLonE7))
	le.PutUint32(b[106:110], uint32(h.MinLatE7))
	le.PutUint32(b[110:114], uint32(h.MaxLonE7))
	le.PutUint32(b[114:118], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	le.PutUint32(b[119:123], uint32(h.CenterLonE7))
	le.PutUint32(b[123:127], uint32(h.CenterLatE7))
	return b
}

// Synthetic builds a minimal archive prefix with the given bounds. Used for
// tests and demo imports; the tile sections are empty.
func Synthetic(b core.Bounds, tileType TileType) []byte {
	h := Header{
		RootOffset:          HeaderLen,
		InternalCompression: CompressionNone,
		TileCompression:     CompressionNone,
		TileType:            tileType,
		MinZoom:             0,
		MaxZoom:             14,
		MinLonE7:            e7(b.West),
		MinLatE7:            e7(b.South),
		MaxLonE7:            e7(b.East),
		MaxLatE7:            e7(b.North),
	}
	lng, lat := b.Center()
	h.CenterLonE7 = e7(lng)
	h.CenterLatE7 = e7(lat)
	h.CenterZoom = 10
	return h.Serialize()
}

func e7(deg float64) int32 {
	return int32(math.Round(deg * 1e7))
}
