// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

// Package dbs turns one backing object, a raw block device or a regular
// file, into a small pool of thin, snapshottable virtual block volumes.
// Clients address each volume as a linear array of fixed-size logical
// blocks; the library lays out all volumes, their snapshot histories and
// the block-level copy-on-write metadata inside the single backing
// object.
//
// The package exposes three surfaces:
//
// - The query API returns read-only views of device, volume and
// snapshot state for tooling.
//
// - The management API initializes devices and creates, renames,
// clones and deletes volumes and snapshots.
//
// - The block API opens a volume and reads, writes and unmaps at block
// granularity, with byte-offset convenience wrappers on top.
//
// The library is single-threaded per open device context. Concurrency
// is delegated to the caller through the two-phase WriteBlock contract:
// a write with updateMetadata false may run under a shared lock and
// reports ErrMetadataNeedsUpdate when copy-on-write work is required,
// at which point the caller retries under an exclusive lock.
//
// Project structure is following:
//
// - internal/dio wraps the backing object with aligned positional I/O.
//
// - internal/codec serializes the on-device format.
//
// - internal/device mirrors the superblock and metadata tables and owns
// all persistence.
//
// - internal/extmap materializes per-volume extent maps and implements
// the bulk copy, merge and clear operations.
//
// - cmd/dbsctl and cmd/dbssrv are thin front-ends consuming only the
// public APIs.
package dbs

import (
	"github.com/asch/dbs/internal/codec"
)

// On-device format constants, re-exported for API consumers.
const (
	MAGIC   = codec.MAGIC
	VERSION = codec.VERSION

	BLOCK_SIZE           = codec.BLOCK_SIZE
	EXTENT_SIZE          = codec.EXTENT_SIZE
	BLOCKS_PER_EXTENT    = codec.BLOCKS_PER_EXTENT
	BLOCK_BITS_IN_EXTENT = codec.BLOCK_BITS_IN_EXTENT
	BLOCK_MASK_IN_EXTENT = codec.BLOCK_MASK_IN_EXTENT

	MAX_VOLUMES          = codec.MAX_VOLUMES
	MAX_SNAPSHOTS        = codec.MAX_SNAPSHOTS
	MAX_VOLUME_NAME_SIZE = codec.MAX_VOLUME_NAME_SIZE
)
