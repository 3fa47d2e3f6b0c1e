package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fastpath-net/fastpath/internal/version"
	"github.com/fastpath-net/fastpath/pkg/config"
	"github.com/fastpath-net/fastpath/pkg/fastpath"
	"github.com/fastpath-net/fastpath/pkg/packet"
	"github.com/fastpath-net/fastpath/pkg/port"
	"github.com/fastpath-net/fastpath/pkg/segment"
	"github.com/fastpath-net/fastpath/pkg/steering"
	"github.com/fastpath-net/fastpath/pkg/x/checkroot"
	"github.com/fastpath-net/fastpath/pkg/x/syncro"
)

func errHalt(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}

// reader is the receive side a device may offer.
type reader interface {
	ReadPackets(ctx context.Context, deliver func(*packet.Packet))
}

func openDevice(spec config.PortSpec) (segment.Device, error) {
	kind, err := spec.Kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case port.KindPhysical:
		if !checkroot.CheckRoot() && !checkroot.CheckNetAdmin() {
			return nil, fmt.Errorf("physical ports require root or CAP_NET_ADMIN")
		}
		name, err := spec.Params.GetString("device")
		if err != nil {
			return nil, err
		}
		dev, err := port.NewPhysicalDevice(name)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case port.KindHost:
		if !checkroot.CheckRoot() && !checkroot.CheckNetAdmin() {
			return nil, fmt.Errorf("host ports require root or CAP_NET_ADMIN")
		}
		name, err := spec.Params.GetString("device")
		if err != nil {
			return nil, err
		}
		mtu, err := spec.Params.GetInt("mtu", 0)
		if err != nil {
			return nil, err
		}
		dev, err := port.NewTunDevice(name, mtu)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case port.KindVirtual:
		mtu, err := spec.Params.GetInt("mtu", 1500)
		if err != nil {
			return nil, err
		}
		return port.NewNullDevice(mtu, 14), nil
	}
	return nil, fmt.Errorf("unknown port type %q", spec.PortType)
}

func run(ctx context.Context, cfg *config.Config) error {
	pol, err := cfg.Steering.Policy()
	if err != nil {
		return err
	}
	topo := cfg.Cores.Topology()
	d := fastpath.New(ctx, fastpath.Config{
		Topology:        topo,
		Policy:          pol,
		RelayQueueDepth: cfg.Tuning.RelayDepth,
		PortQueueDepth:  cfg.Tuning.QueueDepth,
		PollBudget:      cfg.Tuning.PollBudget,
	})
	defer d.Close()

	// the reader goroutines are not core-pinned; treat all ingress as
	// arriving on the topology's first core so steering has a frame of
	// reference
	ingressCore := steering.NoCore
	if ids := topo.CoreIDs(); len(ids) > 0 {
		ingressCore = ids[0]
	}

	var indices syncro.Map[string, uint32]
	for name, spec := range cfg.Ports {
		kind, err := spec.Kind()
		if err != nil {
			return fmt.Errorf("port %s: %w", name, err)
		}
		dev, err := openDevice(spec)
		if err != nil {
			return fmt.Errorf("port %s: %w", name, err)
		}
		forward := spec.Params["forward"]
		upstream := func(pkt *packet.Packet) {
			if forward == "" {
				pkt.Free(packet.DropMisc)
				return
			}
			idx, ok := indices.Get(forward)
			if !ok {
				pkt.Free(packet.DropUnresolvedTarget)
				return
			}
			if err := d.Transmit(idx, pkt); err != nil {
				log.Debugf("forward to %s: %s", forward, err)
			}
		}
		p, err := d.AddPort(kind, dev, upstream)
		if err != nil {
			return fmt.Errorf("port %s: %w", name, err)
		}
		indices.Set(name, p.Index())
		if r, ok := dev.(reader); ok {
			idx := p.Index()
			linkHdr := dev.HeaderLen()
			r.ReadPackets(ctx, func(pkt *packet.Packet) {
				if linkHdr > 0 && pkt.Len() > linkHdr {
					pkt.SetNetworkOffset(pkt.DataOffset() + linkHdr)
				} else {
					pkt.ResetNetworkHeader()
				}
				pkt.Type = packet.TypeIP
				pkt.FlowHash = packet.HashFlow(pkt)
				d.Receive(idx, ingressCore, pkt)
			})
		}
		log.Infof("port %s attached as index %d (%s)", name, p.Index(), kind)
	}
	log.Infof("router %s running with %d ports, steering %s",
		d.ID(), indices.Len(), pol.Mode)
	<-ctx.Done()
	return nil
}

var configFile string
var logLevel string
var rootCmd = &cobra.Command{
	Use:     "fastpath",
	Args:    cobra.NoArgs,
	Version: version.Version(),
	Run: func(cmd *cobra.Command, args []string) {
		if logLevel != "" {
			switch logLevel {
			case "error":
				log.SetLevel(log.ErrorLevel)
			case "warning":
				log.SetLevel(log.WarnLevel)
			case "info":
				log.SetLevel(log.InfoLevel)
			case "debug":
				log.SetLevel(log.DebugLevel)
			default:
				errHalt(fmt.Errorf("invalid log level"))
			}
		}
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			errHalt(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()
		err = run(ctx, cfg)
		if err != nil {
			errHalt(err)
		}
	},
}

func main() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Config file name (required)")
	_ = rootCmd.MarkFlagRequired("config")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Set log level (error/warning/info/debug)")
	err := rootCmd.Execute()
	if err != nil {
		errHalt(err)
	}
}
