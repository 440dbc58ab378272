// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

package dbs

import (
	"errors"

	"github.com/asch/dbs/internal/codec"
	"github.com/asch/dbs/internal/device"
)

// Errors returned by the query, management and block APIs. Lookup and
// validation failures are wrapped with the operation context; match with
// errors.Is.
var (
	// The backing object carries no DBS superblock.
	ErrNotInitialized = codec.ErrNotInitialized

	// The superblock magic is valid but the format version differs.
	ErrVersionMismatch = codec.ErrVersionMismatch

	// The backing object is empty or below the 100 MiB floor.
	ErrZeroSize = device.ErrZeroSize
	ErrTooSmall = device.ErrTooSmall

	// The volume or snapshot table is full.
	ErrOutOfVolumeSlots   = device.ErrOutOfVolumeSlots
	ErrOutOfSnapshotSlots = device.ErrOutOfSnapshotSlots

	ErrVolumeNotFound   = errors.New("volume not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrVolumeExists     = errors.New("volume already exists")

	// The operation would exceed the device extent count.
	ErrNoSpace = errors.New("no space left on device")

	// The block index is past the volume's logical size.
	ErrOutOfRange = errors.New("block offset out of bounds")

	// DeleteSnapshot targeted the current tip of a volume.
	ErrCannotDeleteCurrent = errors.New("cannot delete current snapshot")

	// DeleteSnapshot targeted a snapshot without a child.
	ErrCannotDeleteRoot = errors.New("cannot delete root snapshot")

	// Not a failure: WriteBlock with updateMetadata false needs an
	// exclusive retry because copy-on-write work is required.
	ErrMetadataNeedsUpdate = errors.New("metadata needs update")

	ErrNotImplemented = errors.New("not implemented")
)
