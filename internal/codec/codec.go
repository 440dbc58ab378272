// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

// Package codec defines the on-device format of a DBS pool and its
// little-endian serialization. The format is fixed and bit-compatible
// across platforms:
//
// - The superblock occupies 24 bytes and is padded to one block.
//
// - A volume record is 266 bytes: snapshot id, volume size and a
// NUL-padded name.
//
// - A snapshot record is 10 bytes: parent snapshot id and creation time
// as 64-bit signed epoch seconds.
//
// - An extent record is 38 bytes: owning snapshot id, extent position
// and a 256-bit block presence bitmap.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// First eight bytes of every initialized device.
	MAGIC = "DBS@39\r!"

	// 16-bit major, 8-bit minor, 8-bit patch.
	VERSION = 0x00010000

	// Unit of user I/O and of physical alignment.
	BLOCK_SIZE = 4096

	// Unit of on-device allocation and copy-on-write.
	EXTENT_SIZE = 1048576

	BLOCKS_PER_EXTENT    = EXTENT_SIZE / BLOCK_SIZE
	BLOCK_BITS_IN_EXTENT = 8
	BLOCK_MASK_IN_EXTENT = 0xFF

	// One bit per block in the extent.
	EXTENT_BITMAP_SIZE = 32

	MAX_VOLUMES          = 256
	MAX_SNAPSHOTS        = 65535
	MAX_VOLUME_NAME_SIZE = 255

	// Serialized size of one extent record.
	SIZEOF_EXTENT_METADATA = 6 + EXTENT_BITMAP_SIZE

	// Upper bound on extent records read or written in one batch. Bounds
	// the memory used when streaming through the extent table.
	EXTENT_BATCH = 65536
)

var (
	ErrNotInitialized  = errors.New("device not initialized")
	ErrVersionMismatch = errors.New("version mismatch in superblock")
)

// Superblock lives at byte offset 0 of the device.
type Superblock struct {
	Magic                  [8]byte
	Version                uint32
	AllocatedDeviceExtents uint32
	DeviceSize             uint64
}

// VolumeMetadata is one slot of the volume table. A slot is in use iff
// SnapshotId is non-zero. SnapshotId is the current tip of the volume's
// snapshot chain.
type VolumeMetadata struct {
	SnapshotId uint16
	VolumeSize uint64
	VolumeName [MAX_VOLUME_NAME_SIZE + 1]byte
}

// SnapshotMetadata is one slot of the snapshot table. A slot is in use
// iff CreatedAt is non-zero. The public identifier of a snapshot is its
// slot index plus one, reserving 0 for "none".
type SnapshotMetadata struct {
	ParentSnapshotId uint16
	CreatedAt        int64
}

// ExtentMetadata describes one device extent slot. A slot is free iff
// SnapshotId is zero. ExtentPos is dual-purposed: on disk it holds the
// volume-relative index of the extent this slot backs, in memory (inside
// an extent map) it holds the device-slot index where the data lives.
// Every persistence helper swaps one for the other.
type ExtentMetadata struct {
	SnapshotId  uint16
	ExtentPos   uint32
	BlockBitmap [EXTENT_BITMAP_SIZE]byte
}

// SetName overwrites the volume name, truncating at MAX_VOLUME_NAME_SIZE
// and NUL-padding the rest.
func (v *VolumeMetadata) SetName(volumeName string) {
	v.VolumeName = [MAX_VOLUME_NAME_SIZE + 1]byte{}
	copy(v.VolumeName[:MAX_VOLUME_NAME_SIZE], volumeName)
}

// Name returns the volume name without the NUL padding.
func (v *VolumeMetadata) Name() string {
	n := bytes.IndexByte(v.VolumeName[:], 0)
	return string(v.VolumeName[:n])
}

// EncodeSuperblock serializes the superblock into a buffer of one block,
// padded with zeros.
func EncodeSuperblock(sb *Superblock) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("failed to serialize superblock: %w", err)
	}
	block := make([]byte, BLOCK_SIZE)
	copy(block, buf.Bytes())
	return block, nil
}

// DecodeSuperblock deserializes and validates a superblock read from the
// device. Magic mismatch means the device was never initialized.
func DecodeSuperblock(data []byte) (*Superblock, error) {
	var sb Superblock
	if err := binary.Read(bytes.NewBuffer(data), binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("failed to deserialize superblock: %w", err)
	}
	if string(sb.Magic[:]) != MAGIC {
		return nil, ErrNotInitialized
	}
	if sb.Version != VERSION {
		return nil, ErrVersionMismatch
	}
	return &sb, nil
}

// EncodeTables serializes the volume table followed by the snapshot
// table.
func EncodeTables(volumes *[MAX_VOLUMES]VolumeMetadata, snapshots *[MAX_SNAPSHOTS]SnapshotMetadata) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, volumes); err != nil {
		return nil, fmt.Errorf("failed to serialize volume metadata: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, snapshots); err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTables deserializes the volume and snapshot tables in place.
func DecodeTables(data []byte, volumes *[MAX_VOLUMES]VolumeMetadata, snapshots *[MAX_SNAPSHOTS]SnapshotMetadata) error {
	buf := bytes.NewBuffer(data)
	if err := binary.Read(buf, binary.LittleEndian, volumes[:]); err != nil {
		return fmt.Errorf("failed to deserialize volume metadata: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, snapshots[:]); err != nil {
		return fmt.Errorf("failed to deserialize snapshot metadata: %w", err)
	}
	return nil
}

// TablesSize returns the serialized size of the volume and snapshot
// tables together.
func TablesSize() int {
	var volumes [MAX_VOLUMES]VolumeMetadata
	var snapshots [MAX_SNAPSHOTS]SnapshotMetadata
	return binary.Size(volumes) + binary.Size(snapshots)
}

// EncodeExtents serializes a batch of extent records.
func EncodeExtents(eb []ExtentMetadata) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, eb); err != nil {
		return nil, fmt.Errorf("failed to serialize extent metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeExtents deserializes a batch of extent records in place.
func DecodeExtents(data []byte, eb []ExtentMetadata) error {
	if err := binary.Read(bytes.NewBuffer(data), binary.LittleEndian, eb); err != nil {
		return fmt.Errorf("failed to deserialize extent metadata: %w", err)
	}
	return nil
}

// HumanVersion renders the packed version as major.minor.patch.
func HumanVersion(version uint32) string {
	return fmt.Sprintf("%d.%d.%d", version>>16, (version&0xFF00)>>8, version&0xFF)
}
