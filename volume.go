// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

package dbs

import (
	"fmt"

	"github.com/kelindar/bitmap"

	"github.com/asch/dbs/internal/codec"
	"github.com/asch/dbs/internal/device"
	"github.com/asch/dbs/internal/extmap"
)

// VolumeContext is an open volume: the owning device context plus the
// flattened extent map across the whole snapshot chain. It is not safe
// for concurrent use; see the package documentation for the locking
// contract.
type VolumeContext struct {
	dc     *device.Context
	volume *codec.VolumeMetadata
	vm     *extmap.Map
}

var emptyBlock [codec.BLOCK_SIZE]byte

// OpenVolume opens the device and materializes the volume's flattened
// extent map. The returned context owns the device context.
func OpenVolume(devicePath string, volumeName string) (*VolumeContext, error) {
	dc, err := device.Open(devicePath)
	if err != nil {
		return nil, err
	}
	v := dc.FindVolume(volumeName)
	if v == nil {
		return nil, fmt.Errorf("open_volume %v: %w", volumeName, ErrVolumeNotFound)
	}
	vm, err := extmap.VolumeMap(dc, v.VolumeSize, v.SnapshotId)
	if err != nil {
		return nil, err
	}
	return &VolumeContext{
		dc:     dc,
		volume: v,
		vm:     vm,
	}, nil
}

// CloseVolume syncs and closes the underlying device context.
func (vc *VolumeContext) CloseVolume() error {
	return vc.dc.Close()
}

// Size returns the volume size in bytes.
func (vc *VolumeContext) Size() uint64 {
	return vc.volume.VolumeSize
}

// ReadBlock fills data with the content of the given logical block.
// Blocks never written, or unmapped since, read as all zeros.
func (vc *VolumeContext) ReadBlock(data []byte, block uint64) error {
	eidx := uint(block >> codec.BLOCK_BITS_IN_EXTENT)
	if eidx >= vc.vm.TotalVolumeExtents {
		return fmt.Errorf("read block %d: %w", block, ErrOutOfRange)
	}
	e := &vc.vm.Extents[eidx]
	bidx := uint(block & codec.BLOCK_MASK_IN_EXTENT)
	bb := bitmap.FromBytes(e.BlockBitmap[:])
	if e.SnapshotId == 0 || !bb.Contains(uint32(bidx)) {
		copy(data, emptyBlock[:])
		return nil
	}
	return vc.dc.ReadBlockData(data, uint(e.ExtentPos), bidx)
}

// WriteBlock writes one logical block. With updateMetadata false the
// call performs no metadata allocation: if the target extent is
// unallocated or owned by an ancestor snapshot it returns
// ErrMetadataNeedsUpdate and the caller retries with updateMetadata
// true under exclusive access. A write that only needs to flip a
// presence bit in an extent already owned by the tip proceeds either
// way.
func (vc *VolumeContext) WriteBlock(data []byte, block uint64, updateMetadata bool) error {
	eidx := uint(block >> codec.BLOCK_BITS_IN_EXTENT)
	if eidx >= vc.vm.TotalVolumeExtents {
		return fmt.Errorf("write block %d: %w", block, ErrOutOfRange)
	}
	e := &vc.vm.Extents[eidx]
	bidx := uint(block & codec.BLOCK_MASK_IN_EXTENT)
	bb := bitmap.FromBytes(e.BlockBitmap[:])
	if e.SnapshotId != vc.volume.SnapshotId {
		if !updateMetadata {
			return ErrMetadataNeedsUpdate
		}
		if e.SnapshotId == 0 {
			// Never materialized, allocate a fresh extent.
			if err := vc.vm.NewExtent(uint32(eidx), vc.volume.SnapshotId); err != nil {
				return err
			}
		} else {
			// Owned by an ancestor snapshot, copy on write.
			if err := vc.vm.CopyExtent(uint32(eidx), vc.volume.SnapshotId); err != nil {
				return err
			}
		}
		if err := vc.dc.WriteSuperblock(); err != nil {
			return err
		}
	}
	if err := vc.dc.WriteBlockData(data, uint(e.ExtentPos), bidx); err != nil {
		return err
	}
	if bb.Contains(uint32(bidx)) {
		return nil
	}
	bb.Set(uint32(bidx))
	return vc.vm.WriteExtent(uint32(eidx))
}

// UnmapBlock drops one logical block. Unmapping an unwritten or already
// unmapped block is a no-op. When the last block of an extent is
// unmapped the extent is freed; its device slot is abandoned, not
// reclaimed.
func (vc *VolumeContext) UnmapBlock(block uint64) error {
	eidx := uint(block >> codec.BLOCK_BITS_IN_EXTENT)
	if eidx >= vc.vm.TotalVolumeExtents {
		return fmt.Errorf("unmap block %d: %w", block, ErrOutOfRange)
	}
	e := &vc.vm.Extents[eidx]
	bidx := uint(block & codec.BLOCK_MASK_IN_EXTENT)
	bb := bitmap.FromBytes(e.BlockBitmap[:])
	if e.SnapshotId == 0 || !bb.Contains(uint32(bidx)) {
		return nil
	}
	bb.Remove(uint32(bidx))
	if bb.Count() == 0 {
		e.SnapshotId = 0
	}
	return vc.vm.WriteExtent(uint32(eidx))
}

// ReadAt fills data starting at an arbitrary byte offset, assembling
// partial head and tail blocks as needed.
func (vc *VolumeContext) ReadAt(data []byte, offset uint64) error {
	doffset := uint64(0)
	for remaining := uint64(len(data)); remaining > 0; remaining = uint64(len(data)) - doffset {
		block := (offset + doffset) / codec.BLOCK_SIZE
		boffset := (offset + doffset) % codec.BLOCK_SIZE
		if boffset == 0 && remaining >= codec.BLOCK_SIZE {
			if err := vc.ReadBlock(data[doffset:doffset+codec.BLOCK_SIZE], block); err != nil {
				return err
			}
			doffset += codec.BLOCK_SIZE
			continue
		}
		buf := make([]byte, codec.BLOCK_SIZE)
		if err := vc.ReadBlock(buf, block); err != nil {
			return err
		}
		dlength := codec.BLOCK_SIZE - boffset
		if remaining < dlength {
			dlength = remaining
		}
		copy(data[doffset:doffset+dlength], buf[boffset:boffset+dlength])
		doffset += dlength
	}
	return nil
}

// WriteAt writes data starting at an arbitrary byte offset. Partial
// head and tail blocks go through a read-modify-write cycle.
func (vc *VolumeContext) WriteAt(data []byte, offset uint64, updateMetadata bool) error {
	doffset := uint64(0)
	for remaining := uint64(len(data)); remaining > 0; remaining = uint64(len(data)) - doffset {
		block := (offset + doffset) / codec.BLOCK_SIZE
		boffset := (offset + doffset) % codec.BLOCK_SIZE
		if boffset == 0 && remaining >= codec.BLOCK_SIZE {
			if err := vc.WriteBlock(data[doffset:doffset+codec.BLOCK_SIZE], block, updateMetadata); err != nil {
				return err
			}
			doffset += codec.BLOCK_SIZE
			continue
		}
		buf := make([]byte, codec.BLOCK_SIZE)
		if err := vc.ReadBlock(buf, block); err != nil {
			return err
		}
		dlength := codec.BLOCK_SIZE - boffset
		if remaining < dlength {
			dlength = remaining
		}
		copy(buf[boffset:boffset+dlength], data[doffset:doffset+dlength])
		if err := vc.WriteBlock(buf, block, updateMetadata); err != nil {
			return err
		}
		doffset += dlength
	}
	return nil
}

// UnmapAt drops whole blocks covered by the byte range. Partial head
// and tail blocks are left in place.
func (vc *VolumeContext) UnmapAt(length uint64, offset uint64) error {
	doffset := uint64(0)
	for remaining := length; remaining > 0; remaining = length - doffset {
		block := (offset + doffset) / codec.BLOCK_SIZE
		boffset := (offset + doffset) % codec.BLOCK_SIZE
		if boffset == 0 && remaining >= codec.BLOCK_SIZE {
			if err := vc.UnmapBlock(block); err != nil {
				return err
			}
			doffset += codec.BLOCK_SIZE
			continue
		}
		dlength := codec.BLOCK_SIZE - boffset
		if remaining < dlength {
			dlength = remaining
		}
		doffset += dlength
	}
	return nil
}
