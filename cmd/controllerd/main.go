// Command controllerd runs the controller-side registry and RPC surface
// of spec §4.4/§6: it holds the authoritative ReplicaInfo table for every
// broker in a cluster and answers registerBroker, getReplicaInfo,
// alterSyncStateSet, and electMaster requests over grpc.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"go.brokerha.dev/core/controller"
	"go.brokerha.dev/core/controller/controllerrpc"
	pb "go.brokerha.dev/core/controller/controllerpb"
	"go.brokerha.dev/core/discovery"
)

type controllerConfig struct {
	Listen      string        `long:"listen" default:":9981" description:"Address to serve controller RPCs on"`
	Cluster     string        `long:"cluster" required:"true" description:"Cluster name this controller serves"`
	EtcdEndpoints string      `long:"etcd-endpoints" description:"Comma-separated etcd endpoints; enables leader campaigning when set"`
	LeaseTTL    time.Duration `long:"lease-ttl" default:"10s" description:"etcd leadership lease TTL"`
	LogLevel    string        `long:"log-level" default:"info" description:"Logging level"`
}

func main() {
	var cfg controllerConfig
	var parser = flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var registry = controller.NewRegistry()
	var metaFn func() pb.GetControllerMetaDataResponse

	if cfg.EtcdEndpoints != "" {
		var etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(cfg.EtcdEndpoints, ","),
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.WithError(err).Fatal("controllerd: connecting to etcd")
		}
		defer etcdClient.Close()

		var isLeader bool
		var lost, campErr = discovery.CampaignForLeader(ctx, etcdClient, cfg.Cluster, cfg.Listen, cfg.LeaseTTL)
		if campErr != nil {
			log.WithError(campErr).Warn("controllerd: did not win leadership on startup, serving as follower")
		} else {
			isLeader = true
			go func() {
				<-lost
				log.Warn("controllerd: lost leadership lease")
			}()
		}
		metaFn = func() pb.GetControllerMetaDataResponse {
			return pb.GetControllerMetaDataResponse{IsLeader: isLeader}
		}
	}

	var lis, err = net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.WithError(err).Fatal("controllerd: binding listener")
	}

	var server = controllerrpc.NewServer(registry, metaFn)
	go func() {
		log.WithField("addr", cfg.Listen).Info("controllerd: serving")
		if err := server.Serve(lis); err != nil {
			log.WithError(err).Error("controllerd: serve exited")
		}
	}()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("controllerd: shutting down")
	server.GracefulStop()
}
