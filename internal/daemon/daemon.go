// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/rinashim/internal/config"
	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/ipcp"
	"firestige.xyz/rinashim/internal/link"
	"firestige.xyz/rinashim/internal/log"
	"firestige.xyz/rinashim/internal/metrics"
	"firestige.xyz/rinashim/internal/netbuf"
)

// Version is reported by the version command and the startup log.
const Version = "0.1.0"

const shutdownTimeout = 5 * time.Second

// Daemon manages the rinashim process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	// Core components
	pool          *netbuf.Pool
	port          *link.Port
	shim          *ipcp.Shim
	sink          *ipcp.LoggingSink
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan error
	sigChan chan os.Signal
	logger  log.Logger
}

// New creates a new Daemon instance from a config file.
func New(configPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	d := NewWithConfig(cfg, pidFile)
	d.configPath = configPath
	return d, nil
}

// NewWithConfig creates a Daemon for an already validated config.
func NewWithConfig(cfg *config.GlobalConfig, pidFile string) *Daemon {
	d := &Daemon{
		config:  cfg,
		pidFile: pidFile,
		done:    make(chan error, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := log.Init(&d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	d.logger = log.Component("daemon")
	d.logger.WithFields(map[string]interface{}{
		"version":  Version,
		"instance": d.config.Node.InstanceID,
		"config":   d.configPath,
	}).Info("starting rinashim daemon")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Build the data plane
	if err := d.buildShim(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to build shim: %w", err)
	}

	// 5. Run the protocol task, receive loop and ager
	go func() { d.done <- d.shim.Run(d.ctx) }()

	d.logger.Info("daemon started successfully")
	return nil
}

func (d *Daemon) buildShim() error {
	cfg := d.config
	pool, err := netbuf.NewPool(cfg.Pool.Capacity,
		netbuf.WithMinFrameSize(cfg.Pool.MinFrameSize),
		netbuf.WithAllocator(netbuf.NewSlabAllocator(cfg.Pool.MaxBufferSize)),
		netbuf.WithLogger(log.Component("netbuf")))
	if err != nil {
		return err
	}
	d.pool = pool

	l, err := link.Open(cfg.Link)
	if err != nil {
		return err
	}
	portOpts := []link.PortOption{link.WithPortLogger(log.Component("link"))}
	if cfg.Link.PcapPath != "" {
		rec, err := link.CreateRecorder(cfg.Link.PcapPath, uint32(cfg.Pool.MaxBufferSize))
		if err != nil {
			_ = l.Close()
			return err
		}
		portOpts = append(portOpts, link.WithRecorder(rec))
	}
	if d.port, err = link.NewPort(l, pool, portOpts...); err != nil {
		_ = l.Close()
		return err
	}

	d.sink = ipcp.NewLoggingSink(pool, log.GetLogger())
	d.shim, err = ipcp.New(ipcp.Config{
		InstanceID:    cfg.InstanceID(),
		ARP:           cfg.ARP.Config,
		AgingInterval: cfg.ARP.AgingInterval,
		QueueSize:     cfg.Task.QueueSize,
		SendWait:      cfg.Task.BufferWait(),
		RequestLimit:  cfg.ARP.RequestLimit,
		RequestWindow: cfg.ARP.RequestWindow,
	}, pool, d.port,
		ipcp.WithManagementHandler(d.sink),
		ipcp.WithEFCPContainer(d.sink),
		ipcp.WithLogger(log.GetLogger()))
	if err != nil {
		return err
	}

	ctx := d.ctx
	if err := d.shim.BindN1Port(ctx, core.PortID(cfg.RMT.PortID)); err != nil {
		return err
	}
	if err := d.shim.SetDoNotDisable(ctx, cfg.RMT.DoNotDisable); err != nil {
		return err
	}
	for _, a := range cfg.LocalAddresses() {
		if err := d.shim.AddLocalAddress(ctx, a); err != nil {
			return err
		}
	}
	for _, n := range cfg.LocalNames() {
		if err := d.shim.RegisterName(ctx, n); err != nil {
			return err
		}
	}
	d.logger.Infof("shim ipcp %s bound to %s link %s", d.shim.ID(), cfg.Link.Type, d.shim.HardwareAddr())
	return nil
}

// Run blocks until shutdown is triggered by SIGTERM or SIGINT, or until
// the shim stops on its own. SIGUSR1 logs a state dump.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)

	d.logger.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			if sig == syscall.SIGUSR1 {
				d.dumpState()
				continue
			}
			d.logger.Infof("received shutdown signal %s", sig)
			return d.Stop()

		case err := <-d.done:
			d.done <- err
			if err != nil {
				d.logger.WithError(err).Error("shim stopped")
			}
			if stopErr := d.Stop(); err == nil {
				err = stopErr
			}
			return err

		case <-d.ctx.Done():
			return d.Stop()
		}
	}
}

// Shim returns the running shim.
func (d *Daemon) Shim() *ipcp.Shim {
	return d.shim
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() error {
	d.logger.Info("initiating graceful shutdown")
	d.cancel()

	var err error
	if d.shim != nil {
		select {
		case err = <-d.done:
			d.done <- err
		case <-time.After(shutdownTimeout):
			err = errors.New("shim did not stop in time")
		}
	}
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	d.cleanup()
	d.logger.Info("daemon stopped gracefully")
	return err
}

func (d *Daemon) cleanup() {
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			d.logger.WithError(err).Warn("error closing link")
		}
		d.port = nil
	}
	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.metricsServer.Stop(ctx); err != nil {
			d.logger.WithError(err).Error("error stopping metrics server")
		}
		d.metricsServer = nil
	}
	if err := d.removePIDFile(); err != nil {
		d.logger.WithError(err).Error("error removing PID file")
	}
}

func (d *Daemon) dumpState() {
	ctx, cancel := context.WithTimeout(d.ctx, time.Second)
	defer cancel()
	snap, err := d.shim.Snapshot(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("state dump failed")
		return
	}
	mgmt, data := d.sink.Counts()
	d.logger.WithFields(map[string]interface{}{
		"port":      snap.Port.State.String(),
		"pending":   snap.Port.Pending,
		"tx_pdus":   snap.PortStats.TxPDUs,
		"rx_pdus":   snap.PortStats.RxPDUs,
		"drops":     snap.PortStats.Drops,
		"errors":    snap.PortStats.Errors,
		"held":      snap.Held,
		"pool_free": snap.Pool.Free,
		"mgmt_pdus": mgmt,
		"data_pdus": data,
	}).Info("shim state")
	for _, row := range snap.Cache {
		d.logger.Infof("cache row %d: %s %s %s age %d", row.Index, row.State, row.Name, row.HW, row.Age)
	}
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		d.logger.Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
