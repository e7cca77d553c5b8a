package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"qbitcoin/internal/errs"
	"qbitcoin/pkg/utils"
)

// storeMagic frames each on-disk block record, distinct from the inner
// "QBTH" framing codec.go uses for the serialized block itself (§6: "the
// dual framing is preserved verbatim").
var storeMagic = [4]byte{0xF9, 0xBE, 0xB4, 0xD9}

// DefaultMaxBlockFileSize is the rotation threshold for blkNNNNN.dat files.
const DefaultMaxBlockFileSize int64 = 128 * 1024 * 1024

const indexFileName = "blockindex.dat"
const indexVersion uint32 = 1

type indexEntry struct {
	FileNum uint32
	Offset  uint32
	Size    uint32
	Height  int32 // -1 means unknown
}

// BlockStore is the append-only block archive with a hash/height index.
// A single mutex guards all file and index operations (spec §5).
type BlockStore struct {
	mu sync.Mutex

	dir         string
	maxFileSize int64
	log         *logrus.Logger

	curFile    *os.File
	curFileNum uint32
	curSize    int64

	byHash   map[Hash32]indexEntry
	byHeight map[uint32]Hash32
}

// NewBlockStore opens or creates a block store rooted at dir. If the index
// file is present it is loaded; otherwise the index is rebuilt by scanning
// the data files (RebuildIndex), which leaves it empty in a fresh directory.
func NewBlockStore(dir string, maxFileSize int64, log *logrus.Logger) (*BlockStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxBlockFileSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir block store: %v", errs.ErrStorage, err)
	}

	bs := &BlockStore{
		dir:         dir,
		maxFileSize: maxFileSize,
		log:         log,
		byHash:      make(map[Hash32]indexEntry),
		byHeight:    make(map[uint32]Hash32),
	}

	loaded, err := bs.loadIndex()
	if err != nil {
		return nil, err
	}
	if !loaded {
		if err := bs.RebuildIndex(); err != nil {
			return nil, err
		}
	}
	if err := bs.openForAppend(); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BlockStore) fileName(num uint32) string {
	return filepath.Join(bs.dir, fmt.Sprintf("blk%05d.dat", num))
}

// openForAppend picks the highest data file number referenced by the index
// (blk00000.dat when the index is empty) and positions curSize at its
// current length.
func (bs *BlockStore) openForAppend() error {
	highest := uint32(0)
	for _, e := range bs.byHash {
		if e.FileNum > highest {
			highest = e.FileNum
		}
	}
	path := bs.fileName(highest)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", errs.ErrStorage, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: stat %s: %v", errs.ErrStorage, path, err)
	}
	bs.curFile = f
	bs.curFileNum = highest
	bs.curSize = info.Size()
	return nil
}

// Store appends b to the current data file and updates the index. It is
// idempotent on hash; storing a different block at an already-indexed
// height is logged and stored anyway (spec's documented no-reorg quirk).
func (bs *BlockStore) Store(b *Block) (bool, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if _, ok := bs.byHash[b.Hash]; ok {
		return true, nil
	}

	raw, err := SerializeBlock(b)
	if err != nil {
		return false, fmt.Errorf("%w: serialize block: %v", errs.ErrStorage, err)
	}

	record := new(bytes.Buffer)
	record.Write(storeMagic[:])
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(raw)))
	record.Write(sizeBuf[:])
	record.Write(raw)

	if err := bs.rotateIfNeeded(int64(record.Len())); err != nil {
		return false, err
	}

	if _, err := bs.curFile.Write(record.Bytes()); err != nil {
		return false, fmt.Errorf("%w: write block record: %v", errs.ErrStorage, err)
	}
	if err := bs.curFile.Sync(); err != nil {
		return false, fmt.Errorf("%w: fsync block file: %v", errs.ErrStorage, err)
	}

	offset := bs.curSize + int64(len(storeMagic)+4)
	entry := indexEntry{
		FileNum: bs.curFileNum,
		Offset:  uint32(offset),
		Size:    uint32(len(raw)),
		Height:  int32(b.Height),
	}
	bs.curSize += int64(record.Len())

	if existing, ok := bs.byHeight[b.Height]; ok && existing != b.Hash {
		bs.log.WithFields(logrus.Fields{
			"height":   b.Height,
			"existing": existing.String(),
			"incoming": b.Hash.String(),
		}).Warn("block store: height collision, storing anyway (no reorg policy)")
	}

	bs.byHash[b.Hash] = entry
	bs.byHeight[b.Height] = b.Hash

	if err := bs.persistIndexLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (bs *BlockStore) rotateIfNeeded(nextRecordSize int64) error {
	if bs.curSize+nextRecordSize <= bs.maxFileSize {
		return nil
	}
	if err := bs.curFile.Close(); err != nil {
		return fmt.Errorf("%w: close rotating file: %v", errs.ErrStorage, err)
	}
	bs.curFileNum++
	bs.curSize = 0
	f, err := os.OpenFile(bs.fileName(bs.curFileNum), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create rotated file: %v", errs.ErrStorage, err)
	}
	bs.curFile = f
	return nil
}

// Has reports whether hash is indexed.
func (bs *BlockStore) Has(hash Hash32) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	_, ok := bs.byHash[hash]
	return ok
}

// GetByHash returns the block stored under hash.
func (bs *BlockStore) GetByHash(hash Hash32) (*Block, error) {
	bs.mu.Lock()
	entry, ok := bs.byHash[hash]
	bs.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: block %s not found", errs.ErrStorage, hash)
	}
	return bs.readEntry(entry)
}

// GetByHeight returns the block indexed at height.
func (bs *BlockStore) GetByHeight(height uint32) (*Block, error) {
	bs.mu.Lock()
	hash, ok := bs.byHeight[height]
	bs.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no block at height %d", errs.ErrStorage, height)
	}
	return bs.GetByHash(hash)
}

func (bs *BlockStore) readEntry(entry indexEntry) (*Block, error) {
	f, err := os.Open(bs.fileName(entry.FileNum))
	if err != nil {
		return nil, fmt.Errorf("%w: open data file: %v", errs.ErrStorage, err)
	}
	defer f.Close()

	raw := make([]byte, entry.Size)
	if _, err := f.ReadAt(raw, int64(entry.Offset)); err != nil {
		return nil, fmt.Errorf("%w: read block record: %v", errs.ErrStorage, err)
	}
	blk, err := DeserializeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: deserialize block record: %v", errs.ErrStorage, err)
	}
	return blk, nil
}

// RebuildIndex scans every blkNNNNN.dat file for storeMagic-framed
// records and rebuilds both in-memory indexes. It is the recovery path
// when blockindex.dat is missing or corrupt.
func (bs *BlockStore) RebuildIndex() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.byHash = make(map[Hash32]indexEntry)
	bs.byHeight = make(map[uint32]Hash32)

	entries, err := os.ReadDir(bs.dir)
	if err != nil {
		return fmt.Errorf("%w: list data dir: %v", errs.ErrStorage, err)
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		var fileNum uint32
		if _, err := fmt.Sscanf(de.Name(), "blk%05d.dat", &fileNum); err != nil {
			continue
		}
		if err := bs.scanFile(fileNum); err != nil {
			bs.log.WithError(err).WithField("file", de.Name()).Warn("block store: scan failed during rebuild")
		}
	}

	return bs.persistIndexLocked()
}

func (bs *BlockStore) scanFile(fileNum uint32) error {
	raw, err := os.ReadFile(bs.fileName(fileNum))
	if err != nil {
		return err
	}

	pos := 0
	for pos+8 <= len(raw) {
		if !bytes.Equal(raw[pos:pos+4], storeMagic[:]) {
			pos++
			continue
		}
		size := binary.LittleEndian.Uint32(raw[pos+4 : pos+8])
		start := pos + 8
		end := start + int(size)
		if end > len(raw) {
			break
		}
		blk, err := DeserializeBlock(raw[start:end])
		if err != nil {
			pos = start
			continue
		}
		bs.byHash[blk.Hash] = indexEntry{
			FileNum: fileNum,
			Offset:  uint32(start),
			Size:    size,
			Height:  int32(blk.Height),
		}
		bs.byHeight[blk.Height] = blk.Hash
		pos = end
	}
	return nil
}

func (bs *BlockStore) loadIndex() (bool, error) {
	path := filepath.Join(bs.dir, indexFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: read index: %v", errs.ErrStorage, err)
	}
	if len(raw) < 8 {
		return false, nil
	}
	version := binary.LittleEndian.Uint32(raw[0:4])
	if version != indexVersion {
		return false, nil
	}
	count := binary.LittleEndian.Uint32(raw[4:8])

	const entrySize = HashSize + 4 + 4 + 4 + 4
	pos := 8
	for i := uint32(0); i < count; i++ {
		if pos+entrySize > len(raw) {
			return false, nil
		}
		var hash Hash32
		copy(hash[:], raw[pos:pos+HashSize])
		p := pos + HashSize
		fileNum := binary.LittleEndian.Uint32(raw[p : p+4])
		offset := binary.LittleEndian.Uint32(raw[p+4 : p+8])
		size := binary.LittleEndian.Uint32(raw[p+8 : p+12])
		height := int32(binary.LittleEndian.Uint32(raw[p+12 : p+16]))

		entry := indexEntry{FileNum: fileNum, Offset: offset, Size: size, Height: height}
		bs.byHash[hash] = entry
		if height >= 0 {
			bs.byHeight[uint32(height)] = hash
		}
		pos += entrySize
	}
	return true, nil
}

// persistIndexLocked writes blockindex.dat atomically (temp + rename).
// Caller must hold bs.mu.
func (bs *BlockStore) persistIndexLocked() error {
	buf := new(bytes.Buffer)
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], indexVersion)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(bs.byHash)))
	buf.Write(header[:])

	for hash, entry := range bs.byHash {
		buf.Write(hash[:])
		var rest [16]byte
		binary.LittleEndian.PutUint32(rest[0:4], entry.FileNum)
		binary.LittleEndian.PutUint32(rest[4:8], entry.Offset)
		binary.LittleEndian.PutUint32(rest[8:12], entry.Size)
		binary.LittleEndian.PutUint32(rest[12:16], uint32(entry.Height))
		buf.Write(rest[:])
	}

	path := filepath.Join(bs.dir, indexFileName)
	if err := utils.AtomicWriteFile(path, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: persist index: %v", errs.ErrStorage, err)
	}
	return nil
}

// Close flushes and releases the current data file handle.
func (bs *BlockStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.curFile == nil {
		return nil
	}
	return bs.curFile.Close()
}
