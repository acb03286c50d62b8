// Package app wires every component of the control plane together and runs
// it until its context is canceled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/tispace-dev/tispace/internal/audit"
	"github.com/tispace-dev/tispace/internal/auth"
	"github.com/tispace-dev/tispace/internal/config"
	"github.com/tispace-dev/tispace/internal/driver"
	"github.com/tispace-dev/tispace/internal/driver/pod"
	"github.com/tispace-dev/tispace/internal/driver/vm"
	"github.com/tispace-dev/tispace/internal/httpserver"
	"github.com/tispace-dev/tispace/internal/ipam"
	"github.com/tispace-dev/tispace/internal/notify"
	"github.com/tispace-dev/tispace/internal/reconciler"
	"github.com/tispace-dev/tispace/internal/store"
	"github.com/tispace-dev/tispace/internal/telemetry"
	"github.com/tispace-dev/tispace/pkg/instance"
)

// ErrStateUnreadable wraps a failure to load an existing, non-empty state
// file (corrupt JSON, permission denied) — distinct from a missing file,
// which Store.Open treats as a fresh start. cmd/tispace maps this to a
// dedicated exit code so an operator can tell "bad state on disk" apart
// from every other startup failure.
var ErrStateUnreadable = errors.New("state file unreadable")

// ErrListenerBind wraps a failure to bind the configured listen address
// (port already in use, insufficient privilege). cmd/tispace maps this to
// its own exit code.
var ErrListenerBind = errors.New("listener bind failure")

// Run reads config, connects to infrastructure, and runs the control plane
// until ctx is canceled. It implements the startup order from spec.md §2:
// config → store → ipam → auth → drivers → reconciler → API layer → metrics.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting tispace", "listen", cfg.ListenAddr())

	st, err := store.Open(cfg.StateFile, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateUnreadable, err)
	}

	ips, err := ipam.New(cfg.ExternalIPPool, cfg.ExternalIPPrefixLength)
	if err != nil {
		return fmt.Errorf("building IP pool: %w", err)
	}
	ips.Seed(st.AllocatedIPs())

	oidcAuth, err := auth.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.GoogleClientID)
	if err != nil {
		return fmt.Errorf("initializing OIDC authenticator: %w", err)
	}
	allowList := auth.NewAllowList(cfg.AllowedUsers)

	drivers, err := buildDrivers(cfg, logger)
	if err != nil {
		return fmt.Errorf("building backend drivers: %w", err)
	}

	reconcileInterval, err := time.ParseDuration(cfg.ReconcileInterval)
	if err != nil {
		return fmt.Errorf("parsing RECONCILE_INTERVAL: %w", err)
	}
	backendTimeout, err := time.ParseDuration(cfg.BackendTimeout)
	if err != nil {
		return fmt.Errorf("parsing BACKEND_TIMEOUT: %w", err)
	}
	shutdownDrain, err := time.ParseDuration(cfg.ShutdownDrain)
	if err != nil {
		return fmt.Errorf("parsing SHUTDOWN_DRAIN: %w", err)
	}

	var reconcilerOpts []reconciler.Option

	// Redis is optional: it backs the observation cache and the lifecycle
	// pub/sub bridge to Slack. Its absence never blocks startup — every
	// consumer falls back to direct backend calls or silent no-ops.
	if cfg.RedisURL != "" {
		client, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
		reconcilerOpts = append(reconcilerOpts, reconciler.WithObservationCache(notify.NewObservationCache(client)))

		slackNotifier := notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
		publisher := notify.NewPublisher(client, logger)
		reconcilerOpts = append(reconcilerOpts, reconciler.WithEventPublisher(publisher))

		if slackNotifier.IsEnabled() {
			subscriber := notify.NewSubscriber(client, slackNotifier, logger)
			go func() {
				if err := subscriber.Run(ctx); err != nil {
					logger.Error("lifecycle notification subscriber exited", "error", err)
				}
			}()
			logger.Info("slack lifecycle notifications enabled", "channel", cfg.SlackAlertChannel)
		} else {
			logger.Info("slack lifecycle notifications disabled (SLACK_BOT_TOKEN not set)")
		}
	} else {
		logger.Info("redis disabled (REDIS_URL not set): no observation cache, no lifecycle notifications")
	}

	rec := reconciler.New(st, ips, drivers, reconcileInterval, backendTimeout, logger, reconcilerOpts...)
	recCtx, recCancel := context.WithCancel(ctx)
	defer recCancel()
	go func() {
		rec.SweepOrphans(recCtx)
		rec.Run(recCtx)
	}()

	// Audit trail is optional: an unreachable audit database must never
	// block the control plane or its API, per internal/audit's design.
	var auditWriter *audit.Writer
	if cfg.AuditDatabaseURL != "" {
		if err := audit.RunMigrations(cfg.AuditDatabaseURL, cfg.AuditMigrationsDir); err != nil {
			return fmt.Errorf("running audit migrations: %w", err)
		}
		auditPool, err := pgxpool.New(ctx, cfg.AuditDatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to audit database: %w", err)
		}
		defer auditPool.Close()

		auditWriter = audit.NewWriter(auditPool, logger)
		auditWriter.Start(ctx)
		defer auditWriter.Close()
		logger.Info("audit trail enabled")
	} else {
		logger.Info("audit trail disabled (AUDIT_DATABASE_URL not set)")
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	ready := func(ctx context.Context) error {
		return st.Reload()
	}

	srv := httpserver.NewServer(cfg, logger, metricsReg, oidcAuth, allowList, ready)

	quota := instance.Quota{CPU: cfg.UserQuotaCPU, MemoryGiB: cfg.UserQuotaMemory, DiskGiB: cfg.UserQuotaDisk}
	instanceService := instance.NewService(st, quota)
	instanceHandler := instance.NewHandler(instanceService, auditWriter, logger)
	instanceHandler.Routes(srv.APIRouter)

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListenerBind, err)
	}

	httpSrv := &http.Server{
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "drain", shutdownDrain)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildDrivers constructs the pod and VM backend drivers from cfg. A driver
// whose backend isn't configured is still returned (every instance falls
// into one runtime class or the other and the reconciler always resolves
// to a non-nil driver), but any call against it fails fast with a
// descriptive error rather than a nil pointer panic.
func buildDrivers(cfg *config.Config, logger *slog.Logger) (reconciler.Drivers, error) {
	podDriver, err := buildPodDriver(cfg, logger)
	if err != nil {
		return reconciler.Drivers{}, err
	}
	vmDriver := buildVMDriver(cfg, logger)
	return reconciler.Drivers{Pod: podDriver, VM: vmDriver}, nil
}

func buildPodDriver(cfg *config.Config, logger *slog.Logger) (driver.Driver, error) {
	if cfg.KubeconfigPath == "" {
		return unconfiguredDriver{name: "pod", reason: "KUBECONFIG not set"}, nil
	}
	restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes client: %w", err)
	}
	return pod.New(client, cfg.PodNamespace, cfg.CPUOvercommit, cfg.MemoryOvercommit, logger), nil
}

// buildVMDriver configures a single-host LXD pool from LXD_SERVER_URL and
// friends. Multi-host placement (vm.ConnHostPool.PlaceHost) degrades
// gracefully to "the one configured host" when only one is present, which
// is the only topology the current environment variables can express.
func buildVMDriver(cfg *config.Config, logger *slog.Logger) driver.Driver {
	if cfg.LXDServerURL == "" {
		return unconfiguredDriver{name: "vm", reason: "LXD_SERVER_URL not set"}
	}

	poolMapping, _ := cfg.StoragePoolMapping()
	hostName := "default"
	storagePool := ""
	for name, pool := range poolMapping {
		hostName = name
		storagePool = pool
		break
	}

	hosts := vm.NewConnHostPool([]vm.HostConfig{{
		Name:        hostName,
		URL:         cfg.LXDServerURL,
		ClientCert:  cfg.LXDClientCert,
		ClientKey:   cfg.LXDClientKey,
		StoragePool: storagePool,
		// A single statically-configured host has no externally reported
		// capacity; LXD itself is the actual admission control for
		// resource pressure, so placement here is a formality.
		CapacityCPU:    1 << 20,
		CapacityMemGiB: 1 << 20,
		Overcommit:     1,
	}})
	return vm.New(hosts, logger)
}

// unconfiguredDriver implements driver.Driver so reconciler.Drivers always
// has a non-nil entry for both runtime classes, surfacing a clear
// permanent error instead of a nil dereference when an instance targets a
// backend that was never configured.
type unconfiguredDriver struct {
	name   string
	reason string
}

func (d unconfiguredDriver) err(op string) error {
	return &driver.PermanentError{Op: op, Err: fmt.Errorf("%s backend is not configured: %s", d.name, d.reason)}
}

func (d unconfiguredDriver) Ensure(context.Context, driver.Spec) error { return d.err("ensure") }
func (d unconfiguredDriver) Start(context.Context, driver.Spec) error  { return d.err("start") }
func (d unconfiguredDriver) Stop(context.Context, driver.Spec) error   { return d.err("stop") }
func (d unconfiguredDriver) Remove(context.Context, driver.Spec) error { return d.err("remove") }
func (d unconfiguredDriver) Update(context.Context, driver.Spec) error { return d.err("update") }
func (d unconfiguredDriver) Observe(context.Context, driver.Spec) (driver.Observation, error) {
	return driver.Observation{}, d.err("observe")
}

// List reports no resources rather than erroring: an unconfigured backend
// has nothing for the orphan sweep to find, and erroring here would just
// log a permanent-error warning on every sweep for a backend nobody asked
// to configure.
func (d unconfiguredDriver) List(context.Context) ([]string, error) { return nil, nil }

func (d unconfiguredDriver) RemoveOrphan(context.Context, string) error { return d.err("remove-orphan") }
