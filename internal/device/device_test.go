// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/asch/dbs/internal/codec"
)

func newBackingFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating backing file: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("resizing backing file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing backing file: %v", err)
	}
	return path
}

func TestGeometry(t *testing.T) {
	dc, err := New(newBackingFile(t, 100<<20))
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	defer dc.Close()

	// 100 MiB: the two tables need 177 blocks after the superblock, the
	// extent metadata fits in front of the first data extent.
	if dc.ExtentOffset != 178*codec.BLOCK_SIZE {
		t.Errorf("extent offset = %v, want %v", dc.ExtentOffset, 178*codec.BLOCK_SIZE)
	}
	if dc.DataOffset != codec.EXTENT_SIZE {
		t.Errorf("data offset = %v, want %v", dc.DataOffset, codec.EXTENT_SIZE)
	}
	if dc.TotalDeviceExtents != 99 {
		t.Errorf("total device extents = %v, want 99", dc.TotalDeviceExtents)
	}
}

func TestSizeFloor(t *testing.T) {
	if _, err := New(newBackingFile(t, 0)); !errors.Is(err, ErrZeroSize) {
		t.Errorf("zero-size device = %v, want ErrZeroSize", err)
	}
	if _, err := New(newBackingFile(t, (100<<20)-1)); !errors.Is(err, ErrTooSmall) {
		t.Errorf("undersized device = %v, want ErrTooSmall", err)
	}
}

func TestInitOpenRoundTrip(t *testing.T) {
	path := newBackingFile(t, 100<<20)
	dc, err := New(path)
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	if err := dc.Init(); err != nil {
		t.Fatalf("initializing device: %v", err)
	}
	want := *dc.Superblock
	if err := dc.Close(); err != nil {
		t.Fatalf("closing device: %v", err)
	}

	dc, err = Open(path)
	if err != nil {
		t.Fatalf("opening device: %v", err)
	}
	defer dc.Close()
	if diff := cmp.Diff(want, *dc.Superblock); diff != "" {
		t.Errorf("superblock after reopen (-want +got):\n%s", diff)
	}
	if dc.CountVolumes() != 0 {
		t.Errorf("volume count = %v, want 0", dc.CountVolumes())
	}
	if v := dc.FindVolume("anything"); v != nil {
		t.Errorf("found volume %v on empty device", v.Name())
	}
}

func TestOpenUninitialized(t *testing.T) {
	if _, err := Open(newBackingFile(t, 100<<20)); !errors.Is(err, codec.ErrNotInitialized) {
		t.Errorf("open of raw device = %v, want ErrNotInitialized", err)
	}
}

func TestExtentPersistence(t *testing.T) {
	path := newBackingFile(t, 100<<20)
	dc, err := New(path)
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	if err := dc.Init(); err != nil {
		t.Fatalf("initializing device: %v", err)
	}

	// Records spanning a block boundary survive the read-modify-write.
	batch := make([]codec.ExtentMetadata, 4)
	for i := range batch {
		batch[i].SnapshotId = uint16(i + 1)
		batch[i].ExtentPos = uint32(10 * i)
		batch[i].BlockBitmap[0] = byte(i)
	}
	if err := dc.WriteExtents(batch, 105); err != nil {
		t.Fatalf("writing extent batch: %v", err)
	}
	single := codec.ExtentMetadata{SnapshotId: 77, ExtentPos: 5}
	if err := dc.WriteExtent(&single, 0); err != nil {
		t.Fatalf("writing extent record: %v", err)
	}

	got := make([]codec.ExtentMetadata, 4)
	if err := dc.ReadExtents(got, 105); err != nil {
		t.Fatalf("reading extent batch: %v", err)
	}
	if diff := cmp.Diff(batch, got); diff != "" {
		t.Errorf("extent batch round trip (-want +got):\n%s", diff)
	}
	one := make([]codec.ExtentMetadata, 1)
	if err := dc.ReadExtents(one, 0); err != nil {
		t.Fatalf("reading extent record: %v", err)
	}
	if diff := cmp.Diff(single, one[0]); diff != "" {
		t.Errorf("extent record round trip (-want +got):\n%s", diff)
	}
	dc.Close()
}

func TestAddVolume(t *testing.T) {
	path := newBackingFile(t, 100<<20)
	dc, err := New(path)
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	defer dc.Close()

	v, err := dc.AddVolume("vol1", 3*codec.EXTENT_SIZE+100)
	if err != nil {
		t.Fatalf("adding volume: %v", err)
	}
	if v.Name() != "vol1" {
		t.Errorf("volume name = %q, want vol1", v.Name())
	}
	if v.VolumeSize != 3*codec.EXTENT_SIZE {
		t.Errorf("volume size = %v, want truncation to %v", v.VolumeSize, 3*codec.EXTENT_SIZE)
	}
	if v.SnapshotId == 0 {
		t.Fatal("volume has no root snapshot")
	}
	root := dc.Snapshots[v.SnapshotId-1]
	if root.ParentSnapshotId != 0 || root.CreatedAt == 0 {
		t.Errorf("root snapshot = %+v, want in-use slot with parent 0", root)
	}
	if dc.CountSnapshots(v) != 1 {
		t.Errorf("snapshot count = %v, want 1", dc.CountSnapshots(v))
	}
}

func TestVolumeSlotExhaustion(t *testing.T) {
	dc, err := New(newBackingFile(t, 100<<20))
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	defer dc.Close()

	for i := 0; i < codec.MAX_VOLUMES; i++ {
		dc.Volumes[i].SnapshotId = uint16(i + 1)
	}
	if _, err := dc.AddVolume("overflow", codec.EXTENT_SIZE); !errors.Is(err, ErrOutOfVolumeSlots) {
		t.Errorf("volume add past table size = %v, want ErrOutOfVolumeSlots", err)
	}
}

func TestSnapshotSlotExhaustion(t *testing.T) {
	dc, err := New(newBackingFile(t, 100<<20))
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	defer dc.Close()

	for i := 0; i < codec.MAX_SNAPSHOTS; i++ {
		dc.Snapshots[i].CreatedAt = 1
	}
	if _, err := dc.AddSnapshot(0); !errors.Is(err, ErrOutOfSnapshotSlots) {
		t.Errorf("snapshot add past table size = %v, want ErrOutOfSnapshotSlots", err)
	}
}

func TestSnapshotChainHelpers(t *testing.T) {
	dc, err := New(newBackingFile(t, 100<<20))
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	defer dc.Close()

	// Chain 1 <- 2 <- 3 with the volume tip at 3.
	for i, parent := range []uint16{0, 1, 2} {
		dc.Snapshots[i].ParentSnapshotId = parent
		dc.Snapshots[i].CreatedAt = 1
	}
	dc.Volumes[0].SnapshotId = 3
	dc.Volumes[0].SetName("vol1")

	if got := dc.FindChildSnapshot(1); got != 2 {
		t.Errorf("child of 1 = %v, want 2", got)
	}
	if got := dc.FindChildSnapshot(3); got != 0 {
		t.Errorf("child of tip = %v, want 0", got)
	}
	for sid := uint16(1); sid <= 3; sid++ {
		v := dc.FindVolumeWithSnapshot(sid)
		if v == nil || v.Name() != "vol1" {
			t.Errorf("volume with snapshot %v = %v, want vol1", sid, v)
		}
	}
	if v := dc.FindVolumeWithSnapshot(4); v != nil {
		t.Errorf("volume with unknown snapshot = %v, want none", v)
	}
	if got := dc.CountSnapshots(&dc.Volumes[0]); got != 3 {
		t.Errorf("snapshot count = %v, want 3", got)
	}
}
