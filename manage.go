// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

package dbs

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/dbs/internal/codec"
	"github.com/asch/dbs/internal/device"
	"github.com/asch/dbs/internal/extmap"
)

// InitDevice lays out a fresh, empty pool on the backing object. The
// object must be openable read-write, non-empty and at least 100 MiB.
// Existing content is overwritten.
func InitDevice(devicePath string) error {
	dc, err := device.New(devicePath)
	if err != nil {
		return err
	}
	if err := dc.Init(); err != nil {
		return err
	}
	return dc.Close()
}

// VacuumDevice would compact abandoned extent slots. Declared for the
// tooling surface, not implemented.
func VacuumDevice(devicePath string) error {
	return fmt.Errorf("vacuum_device: %w", ErrNotImplemented)
}

// CreateVolume creates a volume with a fresh root snapshot. The size is
// truncated to a multiple of the extent size and must not truncate to
// zero.
func CreateVolume(devicePath string, volumeName string, volumeSize uint64) error {
	if volumeSize/codec.EXTENT_SIZE == 0 {
		return fmt.Errorf("create_volume %v: %w", volumeName, ErrZeroSize)
	}
	dc, err := device.Open(devicePath)
	if err != nil {
		return err
	}
	if v := dc.FindVolume(volumeName); v != nil {
		return fmt.Errorf("create_volume %v: %w", volumeName, ErrVolumeExists)
	}
	if _, err := dc.AddVolume(volumeName, volumeSize); err != nil {
		return fmt.Errorf("create_volume %v: %w", volumeName, err)
	}
	if err := dc.WriteMetadata(); err != nil {
		return err
	}
	log.Debug().Str("volume", volumeName).Uint64("size", volumeSize).Msg("volume created")
	return dc.Close()
}

// RenameVolume renames a volume. Renaming to the same name is a no-op;
// renaming onto another in-use name is rejected.
func RenameVolume(devicePath string, volumeName string, newVolumeName string) error {
	dc, err := device.Open(devicePath)
	if err != nil {
		return err
	}
	v := dc.FindVolume(volumeName)
	if v == nil {
		return fmt.Errorf("rename_volume %v: %w", volumeName, ErrVolumeNotFound)
	}
	if other := dc.FindVolume(newVolumeName); other != nil && other != v {
		return fmt.Errorf("rename_volume %v: %w", newVolumeName, ErrVolumeExists)
	}
	v.SetName(newVolumeName)
	if err := dc.WriteMetadata(); err != nil {
		return err
	}
	return dc.Close()
}

// CreateSnapshot freezes the current tip of a volume and advances the
// tip to a fresh snapshot. All future writes to the volume will
// copy-on-write against the frozen ancestor.
func CreateSnapshot(devicePath string, volumeName string) error {
	dc, err := device.Open(devicePath)
	if err != nil {
		return err
	}
	v := dc.FindVolume(volumeName)
	if v == nil {
		return fmt.Errorf("create_snapshot %v: %w", volumeName, ErrVolumeNotFound)
	}
	sid, err := dc.AddSnapshot(v.SnapshotId)
	if err != nil {
		return fmt.Errorf("create_snapshot %v: %w", volumeName, err)
	}
	v.SnapshotId = sid
	if err := dc.WriteMetadata(); err != nil {
		return err
	}
	log.Debug().Str("volume", volumeName).Uint16("snapshot", sid).Msg("snapshot created")
	return dc.Close()
}

// CloneSnapshot creates a new volume holding a physical copy of the
// given snapshot's flattened view. Fails without touching the device
// when the copy would exceed the device extent count.
func CloneSnapshot(devicePath string, newVolumeName string, snapshotId uint) error {
	dc, err := device.Open(devicePath)
	if err != nil {
		return err
	}
	vsrc := dc.FindVolumeWithSnapshot(uint16(snapshotId))
	if vsrc == nil {
		return fmt.Errorf("clone_snapshot %v: %w", snapshotId, ErrSnapshotNotFound)
	}
	vm, err := extmap.VolumeMap(dc, vsrc.VolumeSize, uint16(snapshotId))
	if err != nil {
		return err
	}
	if uint(dc.Superblock.AllocatedDeviceExtents)+vm.Count() > dc.TotalDeviceExtents {
		return fmt.Errorf("clone_snapshot %v: %w", snapshotId, ErrNoSpace)
	}
	vdst, err := dc.AddVolume(newVolumeName, vsrc.VolumeSize)
	if err != nil {
		return fmt.Errorf("clone_snapshot %v: %w", snapshotId, err)
	}
	if err := dc.WriteMetadata(); err != nil {
		return err
	}
	if err := vm.CopyAllTo(vdst.SnapshotId); err != nil {
		return err
	}
	if err := dc.WriteSuperblock(); err != nil {
		return err
	}
	log.Debug().
		Str("volume", newVolumeName).
		Uint("snapshot", snapshotId).
		Uint("extents", vm.Count()).
		Msg("snapshot cloned")
	return dc.Close()
}

// DeleteVolume removes a volume together with its whole snapshot chain
// and all extents owned along it.
func DeleteVolume(devicePath string, volumeName string) error {
	dc, err := device.Open(devicePath)
	if err != nil {
		return err
	}
	v := dc.FindVolume(volumeName)
	if v == nil {
		return fmt.Errorf("delete_volume %v: %w", volumeName, ErrVolumeNotFound)
	}
	for sid := v.SnapshotId; sid > 0; sid = dc.Snapshots[sid-1].ParentSnapshotId {
		sm, err := extmap.SnapshotMap(dc, v.VolumeSize, sid)
		if err != nil {
			return err
		}
		if err := sm.ClearAll(); err != nil {
			return err
		}
		dc.Snapshots[sid-1].CreatedAt = 0
	}
	*v = codec.VolumeMetadata{}
	if err := dc.WriteMetadata(); err != nil {
		return err
	}
	log.Debug().Str("volume", volumeName).Msg("volume deleted")
	return dc.Close()
}

// DeleteSnapshot removes a non-tip snapshot from its chain. Extents
// owned by the victim and not shadowed by its child are re-tagged to the
// child, preserving the data visible to every later descendant; the
// shadowed rest is cleared. The child then inherits the victim's parent.
func DeleteSnapshot(devicePath string, snapshotId uint) error {
	dc, err := device.Open(devicePath)
	if err != nil {
		return err
	}
	v := dc.FindVolumeWithSnapshot(uint16(snapshotId))
	if v == nil {
		return fmt.Errorf("delete_snapshot %v: %w", snapshotId, ErrSnapshotNotFound)
	}
	if v.SnapshotId == uint16(snapshotId) {
		return fmt.Errorf("delete_snapshot %v: %w", snapshotId, ErrCannotDeleteCurrent)
	}
	childSnapshotId := dc.FindChildSnapshot(uint16(snapshotId))
	if childSnapshotId == 0 {
		return fmt.Errorf("delete_snapshot %v: %w", snapshotId, ErrCannotDeleteRoot)
	}
	sm, err := extmap.SnapshotMap(dc, v.VolumeSize, uint16(snapshotId))
	if err != nil {
		return err
	}
	cm, err := extmap.SnapshotMap(dc, v.VolumeSize, childSnapshotId)
	if err != nil {
		return err
	}
	if err := sm.MergeInto(cm, childSnapshotId); err != nil {
		return err
	}
	if err := sm.ClearAll(); err != nil {
		return err
	}
	dc.Snapshots[childSnapshotId-1].ParentSnapshotId = dc.Snapshots[snapshotId-1].ParentSnapshotId
	dc.Snapshots[snapshotId-1] = codec.SnapshotMetadata{}
	if err := dc.WriteMetadata(); err != nil {
		return err
	}
	log.Debug().Uint("snapshot", snapshotId).Uint16("child", childSnapshotId).Msg("snapshot deleted")
	return dc.Close()
}
