// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

// Package device maintains the in-memory mirror of a DBS pool: the
// superblock, the volume and snapshot tables and the offsets derived
// from the device size. All persistence goes through here.
//
// Device layout:
//
// - Bytes [0, BLOCK_SIZE) contain the superblock.
//
// - Bytes [BLOCK_SIZE, ExtentOffset) hold the volume and snapshot
// tables (ExtentOffset is block aligned).
//
// - Bytes [ExtentOffset, DataOffset) hold the extent metadata records
// (DataOffset is extent aligned).
//
// - Bytes [DataOffset, DeviceSize) hold the extent data.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/ncw/directio"
	"github.com/rs/zerolog/log"

	"github.com/asch/dbs/internal/codec"
	"github.com/asch/dbs/internal/dio"
)

const (
	// Devices below this floor are rejected at init.
	MIN_DEVICE_SIZE = 100 * (1 << 20)
)

var (
	ErrZeroSize           = errors.New("device with zero size")
	ErrTooSmall           = errors.New("device size less than 100 MB")
	ErrOutOfVolumeSlots   = errors.New("max volume count reached")
	ErrOutOfSnapshotSlots = errors.New("max snapshot count reached")
)

// Context holds the device file handle and all metadata except extent
// records, which are streamed in batches on demand.
type Context struct {
	f          *dio.File
	Superblock *codec.Superblock
	Volumes    [codec.MAX_VOLUMES]codec.VolumeMetadata
	Snapshots  [codec.MAX_SNAPSHOTS]codec.SnapshotMetadata

	ExtentOffset       uint64
	DataOffset         uint64
	TotalDeviceExtents uint
}

func divRoundUp(x uint64, y uint64) uint64 {
	return 1 + ((x - 1) / y)
}

// New opens the backing object and prepares a fresh context with a new
// superblock. Used by device initialization; Open is the entry point for
// everything else.
func New(device string) (*Context, error) {
	f, err := dio.Open(device)
	if err != nil {
		return nil, err
	}
	deviceSize, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}
	if deviceSize == 0 {
		f.Close()
		return nil, ErrZeroSize
	}
	if deviceSize < MIN_DEVICE_SIZE {
		f.Close()
		return nil, ErrTooSmall
	}

	dc := &Context{
		f: f,
		Superblock: &codec.Superblock{
			Version:    codec.VERSION,
			DeviceSize: uint64(deviceSize),
		},
	}
	copy(dc.Superblock.Magic[:], codec.MAGIC)
	dc.computeOffsets()
	return dc, nil
}

// Open reads and validates the superblock and the metadata tables.
func Open(device string) (*Context, error) {
	dc, err := New(device)
	if err != nil {
		return nil, err
	}
	if err := dc.ReadSuperblock(); err != nil {
		dc.f.Close()
		return nil, err
	}
	if err := dc.ReadMetadata(); err != nil {
		dc.f.Close()
		return nil, err
	}
	return dc, nil
}

// Derive the extent metadata offset, the data offset and the number of
// usable device extents from the device size.
func (dc *Context) computeOffsets() {
	dc.ExtentOffset = (1 + divRoundUp(uint64(codec.TablesSize()), codec.BLOCK_SIZE)) * codec.BLOCK_SIZE
	totalExtents := (dc.Superblock.DeviceSize - dc.ExtentOffset) / codec.EXTENT_SIZE
	metadataSize := dc.ExtentOffset + totalExtents*codec.SIZEOF_EXTENT_METADATA
	dc.DataOffset = divRoundUp(metadataSize, codec.EXTENT_SIZE) * codec.EXTENT_SIZE
	// Account for the space occupied by the extent metadata itself.
	totalExtents -= (totalExtents * codec.SIZEOF_EXTENT_METADATA) / codec.EXTENT_SIZE
	dc.TotalDeviceExtents = uint(totalExtents)
}

// Init writes a fresh superblock, empty tables and an all-zero extent
// metadata region, then syncs. Existing content is overwritten.
func (dc *Context) Init() error {
	eb := make([]codec.ExtentMetadata, codec.EXTENT_BATCH)
	for offset := uint(0); offset < dc.TotalDeviceExtents; offset += codec.EXTENT_BATCH {
		size := min(dc.TotalDeviceExtents-offset, codec.EXTENT_BATCH)
		if err := dc.WriteExtents(eb[:size], offset); err != nil {
			return err
		}
	}
	if err := dc.WriteMetadata(); err != nil {
		return err
	}
	if err := dc.WriteSuperblock(); err != nil {
		return err
	}
	if err := dc.f.Sync(); err != nil {
		return err
	}
	log.Debug().
		Str("device", dc.f.Name).
		Uint64("size", dc.Superblock.DeviceSize).
		Uint("extents", dc.TotalDeviceExtents).
		Msg("device initialized")
	return nil
}

// ReadSuperblock loads and validates the superblock, then rederives the
// offsets from the persisted device size.
func (dc *Context) ReadSuperblock() error {
	abuf := directio.AlignedBlock(codec.BLOCK_SIZE)
	if err := dc.f.ReadAt(abuf, 0); err != nil {
		return err
	}
	sb, err := codec.DecodeSuperblock(abuf)
	if err != nil {
		return err
	}
	dc.Superblock = sb
	dc.computeOffsets()
	return nil
}

// ReadMetadata loads the volume and snapshot tables.
func (dc *Context) ReadMetadata() error {
	abuf := directio.AlignedBlock(int(dc.ExtentOffset - codec.BLOCK_SIZE))
	if err := dc.f.ReadAt(abuf, codec.BLOCK_SIZE); err != nil {
		return err
	}
	return codec.DecodeTables(abuf, &dc.Volumes, &dc.Snapshots)
}

// WriteSuperblock persists the superblock.
func (dc *Context) WriteSuperblock() error {
	block, err := codec.EncodeSuperblock(dc.Superblock)
	if err != nil {
		return err
	}
	return dc.f.WriteAt(block, 0)
}

// WriteMetadata persists the volume and snapshot tables.
func (dc *Context) WriteMetadata() error {
	data, err := codec.EncodeTables(&dc.Volumes, &dc.Snapshots)
	if err != nil {
		return err
	}
	abuf := directio.AlignedBlock(int(dc.ExtentOffset - codec.BLOCK_SIZE))
	copy(abuf, data)
	return dc.f.WriteAt(abuf, codec.BLOCK_SIZE)
}

// ReadExtents loads a batch of extent records starting at device slot
// eidx.
func (dc *Context) ReadExtents(eb []codec.ExtentMetadata, eidx uint) error {
	offset := dc.ExtentOffset + uint64(eidx)*codec.SIZEOF_EXTENT_METADATA
	size := uint64(len(eb) * codec.SIZEOF_EXTENT_METADATA)
	blocks := ((offset+size)/codec.BLOCK_SIZE - offset/codec.BLOCK_SIZE) + 1
	abuf := directio.AlignedBlock(int(codec.BLOCK_SIZE * blocks))
	if err := dc.f.ReadAt(abuf, (offset/codec.BLOCK_SIZE)*codec.BLOCK_SIZE); err != nil {
		return err
	}
	return codec.DecodeExtents(abuf[offset%codec.BLOCK_SIZE:offset%codec.BLOCK_SIZE+size], eb)
}

// WriteExtents persists a batch of extent records starting at device
// slot eidx. The records are patched into the spanning blocks with a
// read-modify-write.
func (dc *Context) WriteExtents(eb []codec.ExtentMetadata, eidx uint) error {
	data, err := codec.EncodeExtents(eb)
	if err != nil {
		return err
	}
	offset := dc.ExtentOffset + uint64(eidx)*codec.SIZEOF_EXTENT_METADATA
	size := uint64(len(data))
	blocks := ((offset+size)/codec.BLOCK_SIZE - offset/codec.BLOCK_SIZE) + 1
	abuf := directio.AlignedBlock(int(codec.BLOCK_SIZE * blocks))
	if err := dc.f.ReadAt(abuf, (offset/codec.BLOCK_SIZE)*codec.BLOCK_SIZE); err != nil {
		return err
	}
	copy(abuf[offset%codec.BLOCK_SIZE:offset%codec.BLOCK_SIZE+size], data)
	return dc.f.WriteAt(abuf, (offset/codec.BLOCK_SIZE)*codec.BLOCK_SIZE)
}

// WriteExtent persists a single extent record at device slot eidx.
func (dc *Context) WriteExtent(e *codec.ExtentMetadata, eidx uint) error {
	return dc.WriteExtents([]codec.ExtentMetadata{*e}, eidx)
}

// ReadBlockData reads one block from the data area. epos is the device
// extent slot, bidx the block within the extent.
func (dc *Context) ReadBlockData(data []byte, epos uint, bidx uint) error {
	offset := dc.DataOffset + uint64(epos)*codec.EXTENT_SIZE + uint64(bidx)*codec.BLOCK_SIZE
	return dc.f.ReadAt(data[:codec.BLOCK_SIZE], offset)
}

// WriteBlockData writes one block into the data area.
func (dc *Context) WriteBlockData(data []byte, epos uint, bidx uint) error {
	offset := dc.DataOffset + uint64(epos)*codec.EXTENT_SIZE + uint64(bidx)*codec.BLOCK_SIZE
	return dc.f.WriteAt(data[:codec.BLOCK_SIZE], offset)
}

// CopyExtentData copies a whole extent of data between device slots.
func (dc *Context) CopyExtentData(esrc uint, edst uint) error {
	abuf := directio.AlignedBlock(codec.EXTENT_SIZE)
	if err := dc.f.ReadAt(abuf, dc.DataOffset+uint64(esrc)*codec.EXTENT_SIZE); err != nil {
		return err
	}
	return dc.f.WriteAt(abuf, dc.DataOffset+uint64(edst)*codec.EXTENT_SIZE)
}

// FindVolume returns the volume slot with the given name, or nil.
func (dc *Context) FindVolume(volumeName string) *codec.VolumeMetadata {
	var vname [codec.MAX_VOLUME_NAME_SIZE + 1]byte
	copy(vname[:codec.MAX_VOLUME_NAME_SIZE], volumeName)
	for i := 0; i < codec.MAX_VOLUMES; i++ {
		if dc.Volumes[i].SnapshotId == 0 {
			continue
		}
		if dc.Volumes[i].VolumeName == vname {
			return &dc.Volumes[i]
		}
	}
	return nil
}

// FindChildSnapshot returns the identifier of the unique snapshot whose
// parent is snapshotId, or 0.
func (dc *Context) FindChildSnapshot(snapshotId uint16) uint16 {
	for i := 0; i < codec.MAX_SNAPSHOTS; i++ {
		if dc.Snapshots[i].CreatedAt == 0 {
			continue
		}
		if dc.Snapshots[i].ParentSnapshotId == snapshotId {
			return uint16(i + 1)
		}
	}
	return 0
}

// FindVolumeWithSnapshot walks the descendants of snapshotId until a
// volume tip points at a snapshot in the chain. Returns nil if the
// snapshot does not belong to any volume.
func (dc *Context) FindVolumeWithSnapshot(snapshotId uint16) *codec.VolumeMetadata {
	for sid := snapshotId; sid > 0; sid = dc.FindChildSnapshot(sid) {
		for i := 0; i < codec.MAX_VOLUMES; i++ {
			if dc.Volumes[i].SnapshotId == sid {
				return &dc.Volumes[i]
			}
		}
	}
	return nil
}

// CountVolumes returns the number of volume slots in use.
func (dc *Context) CountVolumes() uint {
	count := uint(0)
	for i := 0; i < codec.MAX_VOLUMES; i++ {
		if dc.Volumes[i].SnapshotId != 0 {
			count++
		}
	}
	return count
}

// CountSnapshots returns the length of the volume's snapshot chain.
func (dc *Context) CountSnapshots(v *codec.VolumeMetadata) uint {
	count := uint(0)
	for sid := v.SnapshotId; sid > 0; sid = dc.Snapshots[sid-1].ParentSnapshotId {
		count++
	}
	return count
}

// AddVolume allocates the first free volume slot together with a fresh
// root snapshot. The size is truncated to a multiple of the extent size.
func (dc *Context) AddVolume(volumeName string, volumeSize uint64) (*codec.VolumeMetadata, error) {
	var vidx uint
	for vidx = 0; vidx < codec.MAX_VOLUMES && dc.Volumes[vidx].SnapshotId != 0; vidx++ {
	}
	if vidx == codec.MAX_VOLUMES {
		return nil, ErrOutOfVolumeSlots
	}

	sid, err := dc.AddSnapshot(0)
	if err != nil {
		return nil, err
	}
	dc.Volumes[vidx].SnapshotId = sid
	dc.Volumes[vidx].VolumeSize = (volumeSize / codec.EXTENT_SIZE) * codec.EXTENT_SIZE
	dc.Volumes[vidx].SetName(volumeName)
	return &dc.Volumes[vidx], nil
}

// AddSnapshot allocates the first free snapshot slot and returns its
// identifier.
func (dc *Context) AddSnapshot(parentSnapshotId uint16) (uint16, error) {
	var sidx uint
	for sidx = 0; sidx < codec.MAX_SNAPSHOTS && dc.Snapshots[sidx].CreatedAt != 0; sidx++ {
	}
	if sidx == codec.MAX_SNAPSHOTS {
		return 0, ErrOutOfSnapshotSlots
	}

	dc.Snapshots[sidx].ParentSnapshotId = parentSnapshotId
	dc.Snapshots[sidx].CreatedAt = time.Now().Unix()
	return uint16(sidx) + 1, nil
}

// Close syncs and releases the device.
func (dc *Context) Close() error {
	if err := dc.f.Sync(); err != nil {
		return fmt.Errorf("cannot sync device: %w", err)
	}
	return dc.f.Close()
}
