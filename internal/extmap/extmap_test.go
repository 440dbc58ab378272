// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

package extmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/asch/dbs/internal/codec"
	"github.com/asch/dbs/internal/device"
)

const volumeSize = 4 * codec.EXTENT_SIZE

// Builds an initialized test device with the snapshot chain 1 <- 2 and
// three allocated extent slots:
//
//	slot 0: extent 0 of snapshot 1
//	slot 1: extent 2 of snapshot 1
//	slot 2: extent 0 of snapshot 2 (shadows slot 0)
func newTestContext(t *testing.T) *device.Context {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating backing file: %v", err)
	}
	if err := f.Truncate(100 << 20); err != nil {
		t.Fatalf("resizing backing file: %v", err)
	}
	f.Close()

	dc, err := device.New(path)
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	if err := dc.Init(); err != nil {
		t.Fatalf("initializing device: %v", err)
	}
	t.Cleanup(func() { dc.Close() })

	dc.Snapshots[0] = codec.SnapshotMetadata{ParentSnapshotId: 0, CreatedAt: 1}
	dc.Snapshots[1] = codec.SnapshotMetadata{ParentSnapshotId: 1, CreatedAt: 2}

	records := []codec.ExtentMetadata{
		{SnapshotId: 1, ExtentPos: 0, BlockBitmap: [32]byte{0x01}},
		{SnapshotId: 1, ExtentPos: 2, BlockBitmap: [32]byte{0x02}},
		{SnapshotId: 2, ExtentPos: 0, BlockBitmap: [32]byte{0x04}},
	}
	if err := dc.WriteExtents(records, 0); err != nil {
		t.Fatalf("writing extent records: %v", err)
	}
	dc.Superblock.AllocatedDeviceExtents = uint32(len(records))
	return dc
}

func TestSnapshotMap(t *testing.T) {
	dc := newTestContext(t)

	m, err := SnapshotMap(dc, volumeSize, 1)
	if err != nil {
		t.Fatalf("building snapshot map: %v", err)
	}
	if m.TotalVolumeExtents != 4 {
		t.Errorf("total volume extents = %v, want 4", m.TotalVolumeExtents)
	}
	if m.Count() != 2 {
		t.Errorf("extent count = %v, want 2", m.Count())
	}
	if m.MaxExtentIdx != 2 {
		t.Errorf("max extent index = %v, want 2", m.MaxExtentIdx)
	}
	for _, eidx := range []uint32{0, 2} {
		if !m.Contains(eidx) {
			t.Errorf("extent %d missing from map", eidx)
		}
	}
	if m.Contains(1) || m.Contains(3) {
		t.Error("map contains extents the snapshot does not own")
	}

	// In memory ExtentPos names the device slot the record came from.
	if m.Extents[0].ExtentPos != 0 {
		t.Errorf("extent 0 device slot = %v, want 0", m.Extents[0].ExtentPos)
	}
	if m.Extents[2].ExtentPos != 1 {
		t.Errorf("extent 2 device slot = %v, want 1", m.Extents[2].ExtentPos)
	}
}

func TestVolumeMapNearestAncestorWins(t *testing.T) {
	dc := newTestContext(t)

	m, err := VolumeMap(dc, volumeSize, 2)
	if err != nil {
		t.Fatalf("building volume map: %v", err)
	}
	if m.Count() != 2 {
		t.Errorf("extent count = %v, want 2", m.Count())
	}

	// Extent 0 comes from snapshot 2, shadowing the root's copy.
	if m.Extents[0].SnapshotId != 2 || m.Extents[0].ExtentPos != 2 {
		t.Errorf("extent 0 = %+v, want snapshot 2 at device slot 2", m.Extents[0])
	}
	// Extent 2 is only present in the root.
	if m.Extents[2].SnapshotId != 1 || m.Extents[2].ExtentPos != 1 {
		t.Errorf("extent 2 = %+v, want snapshot 1 at device slot 1", m.Extents[2])
	}
}

func TestNewExtent(t *testing.T) {
	dc := newTestContext(t)

	m, err := VolumeMap(dc, volumeSize, 2)
	if err != nil {
		t.Fatalf("building volume map: %v", err)
	}
	if err := m.NewExtent(3, 2); err != nil {
		t.Fatalf("allocating extent: %v", err)
	}
	if dc.Superblock.AllocatedDeviceExtents != 4 {
		t.Errorf("allocated extents = %v, want 4", dc.Superblock.AllocatedDeviceExtents)
	}
	if m.Extents[3].ExtentPos != 3 {
		t.Errorf("new extent device slot = %v, want 3", m.Extents[3].ExtentPos)
	}

	// On disk the record carries the volume-relative index again.
	got := make([]codec.ExtentMetadata, 1)
	if err := dc.ReadExtents(got, 3); err != nil {
		t.Fatalf("reading extent record: %v", err)
	}
	want := codec.ExtentMetadata{SnapshotId: 2, ExtentPos: 3}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("persisted record (-want +got):\n%s", diff)
	}
}

func TestCopyExtent(t *testing.T) {
	dc := newTestContext(t)

	m, err := VolumeMap(dc, volumeSize, 2)
	if err != nil {
		t.Fatalf("building volume map: %v", err)
	}

	// Copy the root-owned extent 2 over to snapshot 2.
	if err := m.CopyExtent(2, 2); err != nil {
		t.Fatalf("copying extent: %v", err)
	}
	if m.Extents[2].SnapshotId != 2 || m.Extents[2].ExtentPos != 3 {
		t.Errorf("extent 2 after copy = %+v, want snapshot 2 at device slot 3", m.Extents[2])
	}
	if dc.Superblock.AllocatedDeviceExtents != 4 {
		t.Errorf("allocated extents = %v, want 4", dc.Superblock.AllocatedDeviceExtents)
	}

	// The source record still belongs to the root snapshot.
	got := make([]codec.ExtentMetadata, 4)
	if err := dc.ReadExtents(got, 0); err != nil {
		t.Fatalf("reading extent records: %v", err)
	}
	if got[1].SnapshotId != 1 {
		t.Errorf("source record owner = %v, want 1", got[1].SnapshotId)
	}
	want := codec.ExtentMetadata{SnapshotId: 2, ExtentPos: 2, BlockBitmap: [32]byte{0x02}}
	if diff := cmp.Diff(want, got[3]); diff != "" {
		t.Errorf("copied record (-want +got):\n%s", diff)
	}
}

func TestMergeInto(t *testing.T) {
	dc := newTestContext(t)

	sm, err := SnapshotMap(dc, volumeSize, 1)
	if err != nil {
		t.Fatalf("building victim map: %v", err)
	}
	cm, err := SnapshotMap(dc, volumeSize, 2)
	if err != nil {
		t.Fatalf("building child map: %v", err)
	}

	if err := sm.MergeInto(cm, 2); err != nil {
		t.Fatalf("merging maps: %v", err)
	}

	// Extent 2 moved over, extent 0 stayed behind because the child
	// shadows it.
	if cm.Count() != 2 {
		t.Errorf("child extent count = %v, want 2", cm.Count())
	}
	if cm.Extents[2].SnapshotId != 2 || cm.Extents[2].ExtentPos != 1 {
		t.Errorf("merged extent = %+v, want snapshot 2 at device slot 1", cm.Extents[2])
	}
	if sm.Count() != 1 || !sm.Contains(0) {
		t.Errorf("victim map kept %v extents, want only the shadowed one", sm.Count())
	}

	// On disk: the moved record is retagged in place with its bitmap
	// preserved, the shadowed one is untouched until cleared.
	got := make([]codec.ExtentMetadata, 3)
	if err := dc.ReadExtents(got, 0); err != nil {
		t.Fatalf("reading extent records: %v", err)
	}
	want := codec.ExtentMetadata{SnapshotId: 2, ExtentPos: 2, BlockBitmap: [32]byte{0x02}}
	if diff := cmp.Diff(want, got[1]); diff != "" {
		t.Errorf("retagged record (-want +got):\n%s", diff)
	}
	if got[0].SnapshotId != 1 {
		t.Errorf("shadowed record owner = %v, want 1", got[0].SnapshotId)
	}

	if err := sm.ClearAll(); err != nil {
		t.Fatalf("clearing victim map: %v", err)
	}
	if err := dc.ReadExtents(got, 0); err != nil {
		t.Fatalf("reading extent records: %v", err)
	}
	if diff := cmp.Diff(codec.ExtentMetadata{}, got[0]); diff != "" {
		t.Errorf("cleared record (-want +got):\n%s", diff)
	}
	if sm.Count() != 0 {
		t.Errorf("victim map count after clear = %v, want 0", sm.Count())
	}
}
