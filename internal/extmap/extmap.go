// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

// Package extmap materializes the extent map of a snapshot or of a whole
// volume: which volume-relative extents are present and at which device
// slot each one lives. The map is a word-packed bitmap next to a dense
// record array, so scans skip empty regions with one word comparison.
package extmap

import (
	"github.com/kelindar/bitmap"
	"github.com/rs/zerolog/log"

	"github.com/asch/dbs/internal/codec"
	"github.com/asch/dbs/internal/device"
)

// Map is the in-memory extent map for one (volume, snapshot) pair.
// Records in Extents carry ExtentPos rewritten to the device-slot index;
// the on-disk volume-relative index is restored by the persistence
// helpers.
type Map struct {
	dc                     *device.Context
	TotalVolumeExtents     uint
	AllocatedVolumeExtents uint

	// Highest volume-relative index with data. Maintained by the builders
	// and allocators; the bitmap scans in this package do not consult it.
	MaxExtentIdx uint32

	extentBitmap bitmap.Bitmap
	Extents      []codec.ExtentMetadata
}

// SnapshotMap builds the map of extents owned by a single snapshot. The
// extent table is streamed in batches to bound memory.
func SnapshotMap(dc *device.Context, volumeSize uint64, snapshotId uint16) (*Map, error) {
	m := &Map{
		dc:                 dc,
		TotalVolumeExtents: uint(volumeSize / codec.EXTENT_SIZE),
	}
	m.extentBitmap.Grow(uint32(m.TotalVolumeExtents - 1))
	m.Extents = make([]codec.ExtentMetadata, m.TotalVolumeExtents)

	eb := make([]codec.ExtentMetadata, codec.EXTENT_BATCH)
	remaining := min(dc.TotalDeviceExtents, uint(dc.Superblock.AllocatedDeviceExtents))
	for offset := uint(0); offset < remaining; offset += codec.EXTENT_BATCH {
		size := min(remaining-offset, codec.EXTENT_BATCH)
		if err := dc.ReadExtents(eb[:size], offset); err != nil {
			return nil, err
		}
		for i := uint(0); i < size; i++ {
			if eb[i].SnapshotId != snapshotId {
				continue
			}
			eidx := eb[i].ExtentPos
			m.extentBitmap.Set(eidx)
			m.Extents[eidx] = eb[i]
			// Swap ExtentPos from position in volume to position in device.
			m.Extents[eidx].ExtentPos = uint32(offset + i)
			m.AllocatedVolumeExtents++
			if eidx > m.MaxExtentIdx {
				m.MaxExtentIdx = eidx
			}
		}
	}
	return m, nil
}

// VolumeMap builds the flattened map of a volume at the given snapshot:
// the snapshot's own extents plus, for every index still missing, the
// nearest ancestor's. The first owner seen walking towards the root
// wins.
func VolumeMap(dc *device.Context, volumeSize uint64, snapshotId uint16) (*Map, error) {
	vm, err := SnapshotMap(dc, volumeSize, snapshotId)
	if err != nil {
		return nil, err
	}

	for sid := dc.Snapshots[snapshotId-1].ParentSnapshotId; sid > 0; sid = dc.Snapshots[sid-1].ParentSnapshotId {
		sm, err := SnapshotMap(dc, volumeSize, sid)
		if err != nil {
			return nil, err
		}
		sm.extentBitmap.Range(func(x uint32) {
			if vm.Extents[x].SnapshotId != 0 {
				return
			}
			vm.Extents[x] = sm.Extents[x]
			vm.extentBitmap.Set(x)
			vm.AllocatedVolumeExtents++
			if x > vm.MaxExtentIdx {
				vm.MaxExtentIdx = x
			}
		})
	}
	return vm, nil
}

// Count returns the number of extents present in the map.
func (m *Map) Count() uint {
	return m.AllocatedVolumeExtents
}

// Contains reports whether the volume-relative index is present.
func (m *Map) Contains(eidx uint32) bool {
	return m.extentBitmap.Contains(eidx)
}

// WriteExtent persists the record at the volume-relative index eidx,
// restoring the on-disk meaning of ExtentPos.
func (m *Map) WriteExtent(eidx uint32) error {
	e := m.Extents[eidx]
	// Swap ExtentPos from position in device to position in volume.
	e.ExtentPos = eidx
	return m.dc.WriteExtent(&e, uint(m.Extents[eidx].ExtentPos))
}

// NewExtent allocates a fresh device slot for the volume-relative index
// eidx, owned by snapshotId. The caller persists the superblock.
func (m *Map) NewExtent(eidx uint32, snapshotId uint16) error {
	m.Extents[eidx] = codec.ExtentMetadata{
		SnapshotId: snapshotId,
		ExtentPos:  m.dc.Superblock.AllocatedDeviceExtents,
	}
	m.extentBitmap.Set(eidx)
	m.AllocatedVolumeExtents++
	if eidx > m.MaxExtentIdx {
		m.MaxExtentIdx = eidx
	}
	if err := m.WriteExtent(eidx); err != nil {
		return err
	}
	m.dc.Superblock.AllocatedDeviceExtents++
	return nil
}

// CopyExtent copies the extent data at eidx into a fresh device slot
// owned by snapshotId and retargets the record. The caller persists the
// superblock.
func (m *Map) CopyExtent(eidx uint32, snapshotId uint16) error {
	psrc := m.Extents[eidx].ExtentPos
	pdst := m.dc.Superblock.AllocatedDeviceExtents
	if err := m.dc.CopyExtentData(uint(psrc), uint(pdst)); err != nil {
		return err
	}
	m.Extents[eidx].SnapshotId = snapshotId
	m.Extents[eidx].ExtentPos = pdst
	if err := m.WriteExtent(eidx); err != nil {
		return err
	}
	m.dc.Superblock.AllocatedDeviceExtents++
	return nil
}

// CopyAllTo copies every extent present in the map into fresh device
// slots owned by snapshotId.
func (m *Map) CopyAllTo(snapshotId uint16) error {
	var cbErr error
	m.extentBitmap.Range(func(x uint32) {
		if cbErr != nil {
			return
		}
		cbErr = m.CopyExtent(x, snapshotId)
	})
	return cbErr
}

// MergeInto moves every extent present in this map and absent in dst
// over to dst, retagged with snapshotId. The on-disk record keeps its
// device slot and bitmap; only the owner changes. Extents shadowed by
// dst stay behind in this map.
func (m *Map) MergeInto(dst *Map, snapshotId uint16) error {
	var cbErr error
	m.extentBitmap.Range(func(x uint32) {
		if cbErr != nil {
			return
		}
		if dst.Extents[x].SnapshotId != 0 {
			return
		}
		dst.Extents[x] = m.Extents[x]
		dst.Extents[x].SnapshotId = snapshotId
		dst.extentBitmap.Set(x)
		dst.AllocatedVolumeExtents++
		if x > dst.MaxExtentIdx {
			dst.MaxExtentIdx = x
		}
		if cbErr = dst.WriteExtent(x); cbErr != nil {
			return
		}
		m.Extents[x] = codec.ExtentMetadata{}
		m.extentBitmap.Remove(x)
		m.AllocatedVolumeExtents--
	})
	if cbErr == nil {
		log.Debug().Uint16("snapshot", snapshotId).Uint("extents", dst.AllocatedVolumeExtents).Msg("extents merged")
	}
	return cbErr
}

// ClearAll overwrites the on-disk record of every extent in the map with
// an all-zero record. Device slots are abandoned, not compacted.
func (m *Map) ClearAll() error {
	var empty codec.ExtentMetadata
	var cbErr error
	m.extentBitmap.Range(func(x uint32) {
		if cbErr != nil {
			return
		}
		if cbErr = m.dc.WriteExtent(&empty, uint(m.Extents[x].ExtentPos)); cbErr != nil {
			return
		}
		m.Extents[x] = codec.ExtentMetadata{}
		m.extentBitmap.Remove(x)
	})
	if cbErr == nil {
		m.AllocatedVolumeExtents = 0
	}
	return cbErr
}
