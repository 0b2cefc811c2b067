package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/record"
)

// Snapshot file layout, little-endian:
//
//	[4] magic "MGIX"
//	[2] format version
//	[1] codec name length, [n] codec name
//	[4] CRC32 (IEEE) of the stored payload
//	[4] uncompressed payload size
//	[4] compressed payload size, 0 = stored uncompressed
//	[.] payload (lz4 block when compressed)
const (
	snapshotMagic   = 0x4D474958 // "MGIX"
	snapshotVersion = 1
)

// ErrSnapshotInvalid marks a snapshot that cannot be trusted: bad magic,
// unknown version or codec, checksum mismatch, or undecodable payload.
// Callers respond by rebuilding from storage, not by failing.
var ErrSnapshotInvalid = errors.New("index: invalid snapshot")

type snapshotFact struct {
	ID         string         `json:"id"`
	Category   string         `json:"category"`
	Tags       []string       `json:"tags,omitempty"`
	Importance int            `json:"importance"`
	Status     string         `json:"status"`
	Hash       string         `json:"hash,omitempty"`
	Created    int64          `json:"created"`
	Terms      map[string]int `json:"terms,omitempty"`
}

type snapshotDoc struct {
	Count   int            `json:"count"`
	Records []snapshotFact `json:"records"`
}

// SaveSnapshot atomically writes the index state to path using c (nil
// means codec.Default). The write goes through a temp file and rename, so
// a crash never leaves a truncated snapshot behind.
func (ix *Index) SaveSnapshot(fsys fs.FileSystem, path string, c codec.Codec) error {
	if c == nil {
		c = codec.Default
	}

	ix.mu.RLock()
	doc := snapshotDoc{
		Count:   len(ix.facts),
		Records: make([]snapshotFact, 0, len(ix.facts)),
	}
	for _, te := range ix.byTime {
		f := ix.facts[te.uid]
		doc.Records = append(doc.Records, snapshotFact{
			ID:         f.id,
			Category:   string(f.category),
			Tags:       f.tags,
			Importance: f.level,
			Status:     string(f.status),
			Hash:       f.hash,
			Created:    f.created,
			Terms:      f.terms,
		})
	}
	ix.mu.RUnlock()

	payload, err := c.Marshal(doc)
	if err != nil {
		return fmt.Errorf("index: encode snapshot: %w", err)
	}

	compressed := compressPayload(payload)
	name := c.Name()

	buf := make([]byte, 0, 7+len(name)+12+len(compressed))
	buf = binary.LittleEndian.AppendUint32(buf, snapshotMagic)
	buf = binary.LittleEndian.AppendUint16(buf, snapshotVersion)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(storedPayload(payload, compressed)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(compressed)))
	buf = append(buf, storedPayload(payload, compressed)...)

	if err := fs.WriteAtomic(fsys, path, buf, 0644); err != nil {
		return fmt.Errorf("index: write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the index content from a snapshot file and returns
// the record count it declares. Any validation failure returns
// ErrSnapshotInvalid (wrapped) and leaves the index unchanged.
func (ix *Index) LoadSnapshot(fsys fs.FileSystem, path string) (int, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSnapshotInvalid, err)
	}

	doc, err := decodeSnapshot(data)
	if err != nil {
		return 0, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.resetLocked(len(doc.Records))
	for _, sf := range doc.Records {
		ix.insertFactLocked(&facts{
			id:       sf.ID,
			category: record.Category(sf.Category),
			tags:     sf.Tags,
			level:    sf.Importance,
			status:   record.Status(sf.Status),
			hash:     sf.Hash,
			created:  sf.Created,
			terms:    sf.Terms,
		})
	}
	ix.rebuildTermsLocked()

	return doc.Count, nil
}

func decodeSnapshot(data []byte) (*snapshotDoc, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrSnapshotInvalid, fmt.Sprintf(format, args...))
	}

	if len(data) < 7 {
		return nil, invalid("truncated header")
	}
	if binary.LittleEndian.Uint32(data[0:4]) != snapshotMagic {
		return nil, invalid("bad magic")
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != snapshotVersion {
		return nil, invalid("unsupported version %d", v)
	}

	nameLen := int(data[6])
	rest := data[7:]
	if len(rest) < nameLen+12 {
		return nil, invalid("truncated header")
	}
	codecName := string(rest[:nameLen])
	rest = rest[nameLen:]

	c, ok := codec.ByName(codecName)
	if !ok {
		return nil, invalid("unknown codec %q", codecName)
	}

	sum := binary.LittleEndian.Uint32(rest[0:4])
	rawSize := binary.LittleEndian.Uint32(rest[4:8])
	compSize := binary.LittleEndian.Uint32(rest[8:12])
	stored := rest[12:]

	if compSize == 0 {
		if uint32(len(stored)) != rawSize {
			return nil, invalid("payload size mismatch")
		}
	} else if uint32(len(stored)) != compSize {
		return nil, invalid("payload size mismatch")
	}
	if crc32.ChecksumIEEE(stored) != sum {
		return nil, invalid("checksum mismatch")
	}

	payload := stored
	if compSize != 0 {
		payload = make([]byte, rawSize)
		n, err := lz4.UncompressBlock(stored, payload)
		if err != nil || uint32(n) != rawSize {
			return nil, invalid("decompression failed")
		}
	}

	var doc snapshotDoc
	if err := c.Unmarshal(payload, &doc); err != nil {
		return nil, invalid("decode failed: %v", err)
	}
	if doc.Count != len(doc.Records) {
		return nil, invalid("declared count %d, found %d records", doc.Count, len(doc.Records))
	}
	return &doc, nil
}

// compressPayload lz4-compresses the payload, returning nil when
// compression does not help enough to be worth the decompress cost.
func compressPayload(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(payload)))
	n, err := lz4.CompressBlock(payload, dst, nil)
	if err != nil || n == 0 || float64(n) > float64(len(payload))*0.9 {
		return nil
	}
	return dst[:n]
}

func storedPayload(payload, compressed []byte) []byte {
	if compressed != nil {
		return compressed
	}
	return payload
}
