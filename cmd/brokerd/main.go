// Command brokerd runs one broker replica: it serves the master-side HA
// listener (whatever its current role), runs a slave-side HAClient when it
// is not master, and drives the replica state machine of spec §5 against a
// controller reached over controllerrpc.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.brokerha.dev/core/commitlog"
	"go.brokerha.dev/core/config"
	"go.brokerha.dev/core/controller/controllerrpc"
	"go.brokerha.dev/core/epoch"
	"go.brokerha.dev/core/replica"
)

type brokerConfig struct {
	ClusterName   string `long:"cluster" required:"true" description:"Cluster name this broker belongs to"`
	BrokerName    string `long:"broker-name" required:"true" description:"Logical name shared by every replica of this broker"`
	Addr          string `long:"addr" required:"true" description:"This replica's client-facing address"`
	HaAddr        string `long:"ha-addr" required:"true" description:"This replica's HA listener address"`
	ControllerAddr string `long:"controller-addr" required:"true" description:"Controller RPC address"`
	DataDir       string `long:"data-dir" default:"./data" description:"Directory for commit log and epoch cache files"`
	LogLevel      string `long:"log-level" default:"info" description:"Logging level"`
}

func main() {
	var cfg brokerConfig
	var parser = flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("brokerd: exiting")
	}
}

func run(cfg brokerConfig) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return errors.Wrap(err, "creating data directory")
	}

	var commitLog, clErr = commitlog.OpenFileLog(filepath.Join(cfg.DataDir, "commitlog.dat"))
	if clErr != nil {
		return errors.Wrap(clErr, "opening commit log")
	}
	defer commitLog.Close()

	var epochStore, err = epoch.OpenFileStore(filepath.Join(cfg.DataDir, "epoch.cache"))
	if err != nil {
		return errors.Wrap(err, "opening epoch cache file")
	}
	defer epochStore.Close()

	var epochCache, err2 = epoch.Open(epochStore, commitLog.MaxPhyOffset())
	if err2 != nil {
		return errors.Wrap(err2, "opening epoch cache")
	}

	var client, err3 = controllerrpc.Dial(cfg.ControllerAddr)
	if err3 != nil {
		return errors.Wrap(err3, "dialing controller")
	}
	defer client.Close()

	var manager = replica.NewManager(cfg.ClusterName, cfg.BrokerName, cfg.Addr, cfg.HaAddr, config.Default(), commitLog, epochCache, client, nil, nil)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var lis, err4 = net.Listen("tcp", cfg.HaAddr)
	if err4 != nil {
		return errors.Wrap(err4, "binding HA listener")
	}
	go serveHAListener(ctx, lis, manager)

	var managerErrCh = make(chan error, 1)
	go func() { managerErrCh <- manager.Start(ctx) }()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("brokerd: shutting down")
	case err := <-managerErrCh:
		if err != nil {
			return errors.Wrap(err, "replica manager exited")
		}
	}
	return nil
}

// serveHAListener accepts incoming HA connections from slaves; it only
// does useful work while this broker is MASTER, but it accepts
// unconditionally. Neither this loop nor Manager.AcceptHAConnection
// checks the broker's role, so a broker that is not master still answers
// a handshake from its own commit log and epoch cache.
func serveHAListener(ctx context.Context, lis net.Listener, manager *replica.Manager) {
	defer lis.Close()
	for {
		var conn, err = lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("brokerd: HA listener accept error")
			time.Sleep(time.Second)
			continue
		}
		go func() {
			if err := manager.AcceptHAConnection(ctx, conn); err != nil {
				log.WithError(err).Debug("brokerd: HA connection ended")
			}
		}()
	}
}
