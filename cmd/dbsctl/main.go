// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

// dbsctl is a command line utility exposing the query and management
// APIs of DBS. Every subcommand takes the device path as its leading
// argument. It exits 0 on success and non-zero on error with the
// message printed to standard error.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/asch/dbs"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	return t
}

// Pull the device path and the remaining positional arguments out of
// the command line, failing when too few are present.
func args(cCtx *cli.Context, names ...string) ([]string, error) {
	if cCtx.Args().Len() < 1+len(names) {
		usage := "DEVICE"
		for _, n := range names {
			usage += " " + n
		}
		return nil, fmt.Errorf("usage: %s %s", cCtx.Command.Name, usage)
	}
	return cCtx.Args().Slice(), nil
}

func cmdGetDeviceInfo(cCtx *cli.Context) error {
	a, err := args(cCtx)
	if err != nil {
		return err
	}
	di, err := dbs.GetDeviceInfo(a[0])
	if err != nil {
		return err
	}

	t := newTable()
	t.AppendRows([]table.Row{
		{"version", di.Version},
		{"device_size", units.HumanSize(float64(di.DeviceSize))},
		{"total_device_extents", di.TotalDeviceExtents},
		{"allocated_device_extents", di.AllocatedDeviceExtents},
		{"volume_count", di.VolumeCount},
	})
	t.Render()
	return nil
}

func cmdGetVolumeInfo(cCtx *cli.Context) error {
	a, err := args(cCtx)
	if err != nil {
		return err
	}
	vi, err := dbs.GetVolumeInfo(a[0])
	if err != nil {
		return err
	}

	t := newTable()
	t.AppendRow(table.Row{"volume_name", "volume_size", "created_at", "snapshot_id", "snapshot_count"})
	t.AppendSeparator()
	for i := range vi {
		t.AppendRow(table.Row{
			vi[i].VolumeName,
			units.HumanSize(float64(vi[i].VolumeSize)),
			vi[i].CreatedAt,
			vi[i].SnapshotId,
			vi[i].SnapshotCount,
		})
	}
	t.Render()
	return nil
}

func cmdGetSnapshotInfo(cCtx *cli.Context) error {
	a, err := args(cCtx, "VOLUME_NAME")
	if err != nil {
		return err
	}
	si, err := dbs.GetSnapshotInfo(a[0], a[1])
	if err != nil {
		return err
	}

	t := newTable()
	t.AppendRow(table.Row{"snapshot_id", "parent_snapshot_id", "created_at"})
	t.AppendSeparator()
	for i := range si {
		psid := strconv.Itoa(int(si[i].ParentSnapshotId))
		if psid == "0" {
			psid = "-"
		}
		t.AppendRow(table.Row{
			si[i].SnapshotId,
			psid,
			si[i].CreatedAt,
		})
	}
	t.Render()
	return nil
}

func cmdInitDevice(cCtx *cli.Context) error {
	a, err := args(cCtx)
	if err != nil {
		return err
	}
	return dbs.InitDevice(a[0])
}

func cmdVacuumDevice(cCtx *cli.Context) error {
	a, err := args(cCtx)
	if err != nil {
		return err
	}
	return dbs.VacuumDevice(a[0])
}

func cmdCreateVolume(cCtx *cli.Context) error {
	a, err := args(cCtx, "VOLUME_NAME", "VOLUME_SIZE")
	if err != nil {
		return err
	}
	bytesSize, err := units.FromHumanSize(a[2])
	if err != nil {
		return err
	}
	return dbs.CreateVolume(a[0], a[1], uint64(bytesSize))
}

func cmdRenameVolume(cCtx *cli.Context) error {
	a, err := args(cCtx, "VOLUME_NAME", "NEW_VOLUME_NAME")
	if err != nil {
		return err
	}
	return dbs.RenameVolume(a[0], a[1], a[2])
}

func cmdCreateSnapshot(cCtx *cli.Context) error {
	a, err := args(cCtx, "VOLUME_NAME")
	if err != nil {
		return err
	}
	return dbs.CreateSnapshot(a[0], a[1])
}

func cmdCloneSnapshot(cCtx *cli.Context) error {
	a, err := args(cCtx, "NEW_VOLUME_NAME", "SNAPSHOT_ID")
	if err != nil {
		return err
	}
	snapshotId, err := strconv.ParseUint(a[2], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid snapshot id %v: %w", a[2], err)
	}
	return dbs.CloneSnapshot(a[0], a[1], uint(snapshotId))
}

func cmdDeleteVolume(cCtx *cli.Context) error {
	a, err := args(cCtx, "VOLUME_NAME")
	if err != nil {
		return err
	}
	return dbs.DeleteVolume(a[0], a[1])
}

func cmdDeleteSnapshot(cCtx *cli.Context) error {
	a, err := args(cCtx, "SNAPSHOT_ID")
	if err != nil {
		return err
	}
	snapshotId, err := strconv.ParseUint(a[1], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid snapshot id %v: %w", a[1], err)
	}
	return dbs.DeleteSnapshot(a[0], uint(snapshotId))
}

func main() {
	app := &cli.App{
		Name:  "dbsctl",
		Usage: "DBS command line tool",
		Commands: []*cli.Command{
			{Name: "get_device_info", ArgsUsage: "DEVICE", Action: cmdGetDeviceInfo},
			{Name: "get_volume_info", ArgsUsage: "DEVICE", Action: cmdGetVolumeInfo},
			{Name: "get_snapshot_info", ArgsUsage: "DEVICE VOLUME_NAME", Action: cmdGetSnapshotInfo},
			{Name: "init_device", ArgsUsage: "DEVICE", Action: cmdInitDevice},
			{Name: "vacuum_device", ArgsUsage: "DEVICE", Action: cmdVacuumDevice},
			{Name: "create_volume", ArgsUsage: "DEVICE VOLUME_NAME VOLUME_SIZE", Action: cmdCreateVolume},
			{Name: "rename_volume", ArgsUsage: "DEVICE VOLUME_NAME NEW_VOLUME_NAME", Action: cmdRenameVolume},
			{Name: "create_snapshot", ArgsUsage: "DEVICE VOLUME_NAME", Action: cmdCreateSnapshot},
			{Name: "clone_snapshot", ArgsUsage: "DEVICE NEW_VOLUME_NAME SNAPSHOT_ID", Action: cmdCloneSnapshot},
			{Name: "delete_volume", ArgsUsage: "DEVICE VOLUME_NAME", Action: cmdDeleteVolume},
			{Name: "delete_snapshot", ArgsUsage: "DEVICE SNAPSHOT_ID", Action: cmdDeleteSnapshot},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
