// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

// dbssrv is a userspace daemon exposing one DBS volume as an NBD
// export. It consumes only the public query and block APIs and supplies
// the readers-writer coordination the library delegates to its caller:
// reads and metadata-free writes run under a shared lock, and a write
// that reports ErrMetadataNeedsUpdate is retried under the exclusive
// lock. The device path and volume name are positional arguments, the
// rest is handled by the config package.
package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pojntfx/go-nbd/pkg/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/dbs"
	"github.com/asch/dbs/internal/config"
)

// nbdBackend adapts an open volume context to the go-nbd backend
// interface. The RWMutex implements the locking contract from the dbs
// package documentation.
type nbdBackend struct {
	sync.RWMutex
	vc   *dbs.VolumeContext
	size uint64
}

func newNbdBackend(vc *dbs.VolumeContext, size uint64) *nbdBackend {
	return &nbdBackend{
		vc:   vc,
		size: size,
	}
}

func (b *nbdBackend) ReadAt(p []byte, off int64) (int, error) {
	b.RLock()
	defer b.RUnlock()

	return len(p), b.vc.ReadAt(p, uint64(off))
}

// Try the write under the shared lock first and upgrade to the
// exclusive lock only when copy-on-write metadata work is needed.
func (b *nbdBackend) WriteAt(p []byte, off int64) (int, error) {
	b.RLock()
	err := b.vc.WriteAt(p, uint64(off), false)
	b.RUnlock()

	if errors.Is(err, dbs.ErrMetadataNeedsUpdate) {
		b.Lock()
		err = b.vc.WriteAt(p, uint64(off), true)
		b.Unlock()
	}
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

func (b *nbdBackend) Size() (int64, error) {
	return int64(b.size), nil
}

func (b *nbdBackend) Sync() error {
	return nil
}

// Serve NBD connections forever on the configured address.
func runServer(device string, volumeName string) error {
	volumeInfo, err := dbs.GetVolumeInfo(device)
	if err != nil {
		return err
	}
	var size uint64
	for i := range volumeInfo {
		if volumeInfo[i].VolumeName == volumeName {
			size = volumeInfo[i].VolumeSize
		}
	}
	if size == 0 {
		return fmt.Errorf("volume %v not found", volumeName)
	}

	vc, err := dbs.OpenVolume(device, volumeName)
	if err != nil {
		return err
	}
	backend := newNbdBackend(vc, size)
	registerSigHandlers(vc)

	listener, err := net.Listen("tcp", config.Cfg.Listen)
	if err != nil {
		return err
	}
	defer listener.Close()

	log.Info().Str("listen", config.Cfg.Listen).Str("volume", volumeName).Msg("NBD server ready")

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("new connection")
		go func() {
			defer conn.Close()

			err := server.Handle(
				conn,
				[]*server.Export{
					{
						Name:        volumeName,
						Description: "DBS",
						Backend:     backend,
					},
				},
				&server.Options{
					ReadOnly:           false,
					MinimumBlockSize:   dbs.BLOCK_SIZE,
					PreferredBlockSize: dbs.BLOCK_SIZE,
					MaximumBlockSize:   dbs.BLOCK_SIZE,
				})
			if err != nil {
				log.Warn().Err(err).Msg("failed to handle nbd connection")
			}
		}()
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(vc *dbs.VolumeContext) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, closing volume!")
		vc.CloseVolume()
		os.Exit(0)
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

func main() {
	args, err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: dbssrv [-c CONFIG] DEVICE VOLUME")
		os.Exit(2)
	}

	if err := runServer(args[0], args[1]); err != nil {
		log.Fatal().Err(err).Send()
	}
}
