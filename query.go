// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

package dbs

import (
	"fmt"
	"time"

	"github.com/asch/dbs/internal/codec"
	"github.com/asch/dbs/internal/device"
)

// DeviceInfo is the read-only view of an initialized device.
type DeviceInfo struct {
	Version                string
	DeviceSize             uint64
	TotalDeviceExtents     uint
	AllocatedDeviceExtents uint
	VolumeCount            uint
}

// VolumeInfo is the read-only view of one volume. CreatedAt is the
// creation time of the current tip snapshot.
type VolumeInfo struct {
	VolumeName    string
	VolumeSize    uint64
	SnapshotId    uint
	CreatedAt     time.Time
	SnapshotCount uint
}

// SnapshotInfo is the read-only view of one snapshot in a volume's
// chain.
type SnapshotInfo struct {
	SnapshotId       uint
	ParentSnapshotId uint
	CreatedAt        time.Time
}

// GetDeviceInfo returns the device view of an initialized device.
func GetDeviceInfo(devicePath string) (*DeviceInfo, error) {
	dc, err := device.Open(devicePath)
	if err != nil {
		return nil, err
	}
	di := &DeviceInfo{
		Version:                codec.HumanVersion(dc.Superblock.Version),
		DeviceSize:             dc.Superblock.DeviceSize,
		TotalDeviceExtents:     dc.TotalDeviceExtents,
		AllocatedDeviceExtents: uint(dc.Superblock.AllocatedDeviceExtents),
		VolumeCount:            dc.CountVolumes(),
	}
	dc.Close()
	return di, nil
}

// GetVolumeInfo returns one entry per volume slot in use, in slot
// order.
func GetVolumeInfo(devicePath string) ([]VolumeInfo, error) {
	dc, err := device.Open(devicePath)
	if err != nil {
		return nil, err
	}
	vi := make([]VolumeInfo, 0, dc.CountVolumes())
	for i := 0; i < codec.MAX_VOLUMES; i++ {
		if dc.Volumes[i].SnapshotId == 0 {
			continue
		}
		vi = append(vi, VolumeInfo{
			VolumeName:    dc.Volumes[i].Name(),
			VolumeSize:    dc.Volumes[i].VolumeSize,
			SnapshotId:    uint(dc.Volumes[i].SnapshotId),
			CreatedAt:     time.Unix(dc.Snapshots[dc.Volumes[i].SnapshotId-1].CreatedAt, 0),
			SnapshotCount: dc.CountSnapshots(&dc.Volumes[i]),
		})
	}
	dc.Close()
	return vi, nil
}

// GetSnapshotInfo returns the snapshot chain of a volume ordered from
// the tip to the root.
func GetSnapshotInfo(devicePath string, volumeName string) ([]SnapshotInfo, error) {
	dc, err := device.Open(devicePath)
	if err != nil {
		return nil, err
	}
	v := dc.FindVolume(volumeName)
	if v == nil {
		return nil, fmt.Errorf("get_snapshot_info %v: %w", volumeName, ErrVolumeNotFound)
	}
	si := make([]SnapshotInfo, 0, dc.CountSnapshots(v))
	for sid := v.SnapshotId; sid > 0; sid = dc.Snapshots[sid-1].ParentSnapshotId {
		si = append(si, SnapshotInfo{
			SnapshotId:       uint(sid),
			ParentSnapshotId: uint(dc.Snapshots[sid-1].ParentSnapshotId),
			CreatedAt:        time.Unix(dc.Snapshots[sid-1].CreatedAt, 0),
		})
	}
	dc.Close()
	return si, nil
}
