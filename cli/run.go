package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/netwatch"
	"github.com/yllada/vpn-orchestrator/notify"
	"github.com/yllada/vpn-orchestrator/store"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// RunOptions select what the foreground runtime does at start.
type RunOptions struct {
	// Connect names the profile to connect. Empty restores the previous
	// active profile when restore is enabled.
	Connect string
	// Plain prints state changes as log lines instead of the live view.
	Plain bool
}

// Run drives the orchestrator in the foreground until ctx is done or the
// user quits the status view.
func (c *CLI) Run(ctx context.Context, opts RunOptions) error {
	var profile *vpn.Profile
	if opts.Connect != "" {
		profile = c.findProfile(opts.Connect)
		if profile == nil {
			return fmt.Errorf("%w: %s", vpn.ErrProfileNotFound, opts.Connect)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sm := vpn.NewStateMachine(machineConfig(c.cfg, c.secrets, c.state, vpn.NewMetrics(reg)))

	src, err := netwatch.NewSource(c.cfg.Connectivity, c.cfg.Tunnel.InterfaceName)
	if err != nil {
		return err
	}

	recorder := store.NewRecorder(c.state, 64)
	sm.Subscribe(recorder)
	view := vpn.NewChannelObserver(16)
	sm.Subscribe(view)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sm.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })

	if src != nil {
		watcher := netwatch.New(src, sm.OnConnectivityChanged)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && gctx.Err() == nil {
				// Without a source the host is treated as connected.
				common.LogWarn("NetWatch: %s source stopped: %v", src.Name(), err)
				sm.OnConnectivityChanged(true)
			}
			return nil
		})
	}

	if c.cfg.Notifications.Enabled {
		if sender, err := notify.NewDBusSender(); err != nil {
			common.LogDebug("Notify: desktop notifications unavailable: %v", err)
		} else {
			defer sender.Close()
			notifier := notify.NewNotifier(sender, 16)
			sm.Subscribe(notifier)
			g.Go(func() error { return notifier.Run(gctx) })
		}
	}

	if addr := c.cfg.Metrics.Listen; addr != "" {
		serveMetrics(gctx, g, addr, reg)
	}

	g.Go(func() error {
		defer cancel()
		if opts.Plain {
			return printStates(gctx, c.out, view.C())
		}
		return runStatusView(gctx, view.C(), sm)
	})

	if profile != nil {
		common.LogInfo("Connecting to %s (%s)", profile.Name, profile.Server())
		sm.Connect(profile, false)
		if err := c.profiles.MarkUsed(profile.ID); err != nil {
			common.LogWarn("Failed to update last used time of %s: %v", profile.Name, err)
		}
	} else if c.cfg.Restore.Enabled {
		sm.Restore()
	}

	return g.Wait()
}

// machineConfig maps the YAML configuration onto the state machine wiring.
func machineConfig(cfg *config.Config, secrets common.CredentialStore, state vpn.RestoreStore, metrics *vpn.Metrics) vpn.MachineConfig {
	return vpn.MachineConfig{
		Engine: vpn.NewProcessEngine(vpn.ProcessEngineOptions{
			Command:     cfg.Engine.Command,
			Args:        cfg.Engine.Args,
			UsePkexec:   cfg.Engine.UsePkexec,
			StopTimeout: cfg.Engine.StopTimeout,
		}),
		Establisher: vpn.NewEstablisher(cfg.Tunnel.InterfaceName),
		Credentials: secrets,
		Store:       state,
		Policy:      retryPolicy(cfg.Retry),
		Settings: vpn.SettingsOptions{
			Language:     cfg.Engine.Language,
			DefaultMTU:   cfg.Tunnel.DefaultMTU,
			NATKeepAlive: int(cfg.Tunnel.NATKeepAlive / time.Second),
		},
		TickInterval: cfg.Retry.TickInterval,
		Metrics:      metrics,
	}
}

func retryPolicy(rc config.RetryConfig) vpn.RetryPolicy {
	return vpn.RetryPolicy{
		Bases: map[vpn.ErrorKind]time.Duration{
			vpn.ErrorAuthFailed:     rc.Base.AuthFailed,
			vpn.ErrorPeerAuthFailed: rc.Base.PeerAuthFailed,
			vpn.ErrorLookupFailed:   rc.Base.LookupFailed,
			vpn.ErrorUnreachable:    rc.Base.Unreachable,
		},
		DefaultBase:        rc.Base.Default,
		Max:                rc.MaxInterval,
		RetrySessionErrors: rc.RetrySessionErrors,
	}
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		common.LogInfo("Metrics: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Metrics failures are logged, never returned.
			common.LogError("Metrics: server failed: %v", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
