// Command vdev-agentsim drives a Device through its full lifecycle against
// an in-process simulated agent, standing in for a real /run/zfs_socket
// peer. It exists to exercise the adapter end to end without a kernel
// component or a real object-store backend, the same role the teacher's
// cmd/ublk-mem/main.go plays for a real /dev/ublkb* device.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	vdev "github.com/objstorevdev/core"
	"github.com/objstorevdev/core/internal/logging"
	"github.com/objstorevdev/core/internal/reqtable"
)

func main() {
	var (
		bucket  = flag.String("bucket", "mypool", "simulated pool/bucket name")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	deviceTransport, agent := vdev.NewFakeAgentPair()
	defer agent.Close()

	agent.NextBlock = 128
	agent.Uberblock = make([]byte, vdev.UberblockSize)

	device := vdev.NewDevice(vdev.DefaultDeviceParams(), &vdev.Options{
		Logger: logger,
		Dialer: func(string) (vdev.FrameTransport, error) { return deviceTransport, nil },
	})

	if err := device.Init(map[string]string{
		"object_endpoint":             "https://s3.local",
		"object_region":               "us-east-1",
		"object_credentials_location": "/etc/vdev/creds",
		"object_credentials":          "AKID/secret",
		"path":                        *bucket,
	}); err != nil {
		logger.Error("init failed", "error", err)
		os.Exit(1)
	}

	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.HandleCreateAndOpen(true) }()

	if err := device.Open(vdev.SpaLoadCreate, false); err != nil {
		logger.Error("open failed", "error", err)
		os.Exit(1)
	}
	if err := <-agentDone; err != nil {
		logger.Error("simulated agent failed to complete create/open", "error", err)
		os.Exit(1)
	}

	logger.Info("device open", "bucket", *bucket, "next_block", device.MetaslabInit())

	readErr := make(chan error, 1)
	go func() {
		_, err := agent.HandleReadDone(make([]byte, 4096))
		readErr <- err
	}()

	io := vdev.NewPendingIO(reqtable.DirRead, 0, 4096)
	if err := device.IOStart(io); err != nil {
		logger.Error("read failed", "error", err)
		os.Exit(1)
	}
	if err := <-readErr; err != nil {
		logger.Error("simulated agent failed to answer read", "error", err)
		os.Exit(1)
	}
	completed := <-io.Done
	if completed.Err != nil {
		logger.Error("read completed with error", "error", completed.Err)
		os.Exit(1)
	}
	logger.Info("read completed", "block", completed.Block, "bytes", len(completed.Buf))

	snap := device.Metrics().Snapshot()
	fmt.Printf("reads=%d writes=%d max_outstanding=%d\n", snap.ReadOps, snap.WriteOps, snap.MaxOutstanding)
	fmt.Printf("\nPress Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("closing device")
	if err := device.Close(false); err != nil {
		logger.Error("close failed", "error", err)
	}
	device.Fini()
}
