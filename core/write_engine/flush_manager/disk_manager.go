package flushmanager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodoc/core/security/encryption"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// --- DiskManager ---

const (
	// FileHeaderSize is the fixed-size region preceding slot 0.
	FileHeaderSize = 128
	FileVersion    = 1
)

var fileMagic = [8]byte{'G', 'O', 'J', 'O', 'D', 'O', 'C', 0x01}

// FileHeader precedes the page area. It is written once at creation.
type FileHeader struct {
	Magic      [8]byte
	Version    uint32
	PageSize   uint32
	Encrypted  bool
	_          [3]byte
	Salt       [encryption.SaltSize]byte
	KeyCheck   [8]byte
	CreatedAt  int64
	InstanceID uuid.UUID
	_          [FileHeaderSize - (8 + 4 + 4 + 1 + 3 + encryption.SaltSize + 8 + 8 + 16)]byte
}

// NewFileHeader builds the header of a new database file.
func NewFileHeader(encrypted bool) (*FileHeader, error) {
	h := &FileHeader{
		Magic:      fileMagic,
		Version:    FileVersion,
		PageSize:   pagemanager.PageSize,
		Encrypted:  encrypted,
		CreatedAt:  time.Now().Unix(),
		InstanceID: uuid.New(),
	}
	if encrypted {
		salt, err := encryption.NewSalt()
		if err != nil {
			return nil, err
		}
		copy(h.Salt[:], salt)
	}
	return h, nil
}

// PagePosition returns the byte offset of a slot.
func PagePosition(position uint32) int64 {
	return int64(position)*pagemanager.PageSize + FileHeaderSize
}

// DiskManager owns the single database file: file header, data area and log
// region. ReadPage and WritePage are safe for concurrent use.
type DiskManager struct {
	filePath string
	file     *os.File
	header   *FileHeader
	cipher   *encryption.PageCipher
	mu       sync.RWMutex // guards file/cipher swaps, not individual I/O
	scratch  sync.Pool
	logger   *zap.Logger
}

func NewDiskManager(filePath string, logger *zap.Logger) *DiskManager {
	return &DiskManager{
		filePath: filePath,
		logger:   logger.Named("disk_manager"),
		scratch: sync.Pool{
			New: func() any { return make([]byte, pagemanager.PageSize) },
		},
	}
}

func (dm *DiskManager) FilePath() string { return dm.filePath }

// Header returns the file header read by Open or written by Create.
func (dm *DiskManager) Header() *FileHeader { return dm.header }

// Exists reports whether the database file is present.
func (dm *DiskManager) Exists() bool {
	_, err := os.Stat(dm.filePath)
	return err == nil
}

// Length returns the file size in bytes.
func (dm *DiskManager) Length() (int64, error) {
	fi, err := os.Stat(dm.filePath)
	if err != nil {
		return 0, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, err)
	}
	return fi.Size(), nil
}

// SlotCount is the number of complete page slots in the file.
func (dm *DiskManager) SlotCount() (uint32, error) {
	length, err := dm.Length()
	if err != nil {
		return 0, err
	}
	if length < FileHeaderSize {
		return 0, nil
	}
	return uint32((length - FileHeaderSize) / pagemanager.PageSize), nil
}

// Delete removes the file. The file must be closed.
func (dm *DiskManager) Delete() error {
	if err := os.Remove(dm.filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: deleting %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// Create makes a new file and writes its header. A password is required
// when the header is marked encrypted.
func (dm *DiskManager) Create(header *FileHeader, password string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDBFileExists, dm.filePath)
		}
		return fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = file

	if header.Encrypted {
		if password == "" {
			dm.closeInternal()
			_ = os.Remove(dm.filePath)
			return ErrEncryptionKey
		}
		key := encryption.DeriveKey(password, header.Salt[:])
		header.KeyCheck = encryption.Checksum(key)
		if dm.cipher, err = encryption.NewPageCipher(key); err != nil {
			dm.closeInternal()
			_ = os.Remove(dm.filePath)
			return err
		}
	}

	if err := dm.writeHeader(header); err != nil {
		dm.closeInternal()
		_ = os.Remove(dm.filePath) // Clean up on error
		return fmt.Errorf("failed to write initial header: %w", err)
	}
	dm.header = header
	dm.logger.Info("database file created",
		zap.String("path", dm.filePath),
		zap.Bool("encrypted", header.Encrypted),
		zap.String("instance", header.InstanceID.String()))
	return nil
}

// Open opens an existing file and validates its header.
func (dm *DiskManager) Open(password string) (*FileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = file

	var header FileHeader
	if err := dm.readHeader(&header); err != nil {
		dm.closeInternal()
		return nil, err
	}
	if header.Magic != fileMagic {
		dm.closeInternal()
		return nil, fmt.Errorf("%w: magic number mismatch", ErrInvalidFileHeader)
	}
	if header.PageSize != pagemanager.PageSize {
		dm.closeInternal()
		return nil, fmt.Errorf("%w: file page size %d, engine page size %d", ErrInvalidFileHeader, header.PageSize, pagemanager.PageSize)
	}
	if header.Encrypted {
		key := encryption.DeriveKey(password, header.Salt[:])
		if password == "" || encryption.Checksum(key) != header.KeyCheck {
			dm.closeInternal()
			return nil, ErrEncryptionKey
		}
		if dm.cipher, err = encryption.NewPageCipher(key); err != nil {
			dm.closeInternal()
			return nil, err
		}
	}
	dm.header = &header
	return &header, nil
}

func (dm *DiskManager) writeHeader(header *FileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrIO, err)
	}
	if buf.Len() != FileHeaderSize {
		return fmt.Errorf("%w: header serialized to %d bytes, want %d", ErrInvariantViolation, buf.Len(), FileHeaderSize)
	}
	if _, err := dm.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing header: %v", ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) readHeader(header *FileHeader) error {
	data := make([]byte, FileHeaderSize)
	n, err := dm.file.ReadAt(data, 0)
	if err != nil {
		if errors.Is(err, io.EOF) && n < FileHeaderSize {
			return fmt.Errorf("%w: file too small (%d bytes)", ErrInvalidFileHeader, n)
		}
		return fmt.Errorf("%w: reading header from disk: %v", ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrInvalidFileHeader, err)
	}
	return nil
}

// ReadPage reads one slot into buf and sets buf's position. It returns false
// when the slot lies (partly) past the end of the file.
func (dm *DiskManager) ReadPage(position uint32, buf *pagemanager.PageBuffer) (bool, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.file == nil {
		return false, fmt.Errorf("%w: file not open", ErrIO)
	}

	data := buf.GetData()
	n, err := dm.file.ReadAt(data, PagePosition(position))
	if err != nil {
		if errors.Is(err, io.EOF) {
			if n > 0 {
				dm.logger.Warn("torn page at end of file", zap.Uint32("position", position), zap.Int("bytes", n))
			}
			return false, nil
		}
		return false, fmt.Errorf("%w: reading slot %d: %v", ErrIO, position, err)
	}
	if dm.cipher != nil && !isZero(data) {
		dm.cipher.DecryptPage(position, data, data)
	}
	buf.SetPosition(position)
	buf.SetDirty(false)
	if !buf.VerifyChecksum() {
		return false, fmt.Errorf("%w: slot %d (page %d)", ErrChecksumMismatch, position, buf.GetPageID())
	}
	return true, nil
}

// WritePage stamps the checksum and writes buf at its position.
func (dm *DiskManager) WritePage(buf *pagemanager.PageBuffer) error {
	if !buf.HasPosition() {
		return fmt.Errorf("%w: page %d", ErrUndefinedPosition, buf.GetPageID())
	}
	buf.UpdateChecksum()
	if err := dm.writeSlot(buf.GetPosition(), buf.GetData(), true); err != nil {
		return err
	}
	buf.SetDirty(false)
	return nil
}

// ClearPage zeroes a slot. A cleared slot reads back as an empty page. Zeroed
// slots are stored unencrypted so holes and cleared slots look the same.
func (dm *DiskManager) ClearPage(position uint32) error {
	zero := dm.scratch.Get().([]byte)
	defer dm.scratch.Put(zero)
	clear(zero)
	return dm.writeSlot(position, zero, false)
}

func (dm *DiskManager) writeSlot(position uint32, data []byte, encrypt bool) error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}

	out := data
	if encrypt && dm.cipher != nil {
		enc := dm.scratch.Get().([]byte)
		defer dm.scratch.Put(enc)
		dm.cipher.EncryptPage(position, enc, data)
		out = enc
	}
	if _, err := dm.file.WriteAt(out, PagePosition(position)); err != nil {
		return fmt.Errorf("%w: writing slot %d: %v", ErrIO, position, err)
	}
	return nil
}

// Flush forces durability of prior writes.
func (dm *DiskManager) Flush() error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// SetLength truncates (or extends) the file to hold exactly slots pages.
func (dm *DiskManager) SetLength(slots uint32) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if err := dm.file.Truncate(PagePosition(slots)); err != nil {
		return fmt.Errorf("%w: truncating to %d slots: %v", ErrIO, slots, err)
	}
	return nil
}

// Close syncs and closes the file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.closeInternal()
}

func (dm *DiskManager) closeInternal() error {
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("sync on close failed", zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	dm.cipher = nil
	return err
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
