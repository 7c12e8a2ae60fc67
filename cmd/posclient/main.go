// Command posclient is the device-side sync agent. "run" keeps the local
// queue draining into the reconciler while connectivity allows; the other
// subcommands perform one operation against the local store and exit.
//
// Usage:
//
//	posclient run
//	posclient create <kind> '<json>'
//	posclient update <kind> <id> '<json>'
//	posclient delete <kind> <id>
//	posclient get <kind> <id>
//	posclient list <kind>
//	posclient pending
//	posclient drain
//	posclient notifications [-all]
//	posclient dismiss <notification-id>
//	posclient resubmit <notification-id>
//	posclient discard <action-id>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-pos-sync/internal/auth"
	"github.com/tbourn/go-pos-sync/internal/cache"
	"github.com/tbourn/go-pos-sync/internal/config"
	"github.com/tbourn/go-pos-sync/internal/connectivity"
	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/observability"
	"github.com/tbourn/go-pos-sync/internal/queue"
	"github.com/tbourn/go-pos-sync/internal/remote"
	"github.com/tbourn/go-pos-sync/internal/store"
	"github.com/tbourn/go-pos-sync/internal/syncer"
	"github.com/tbourn/go-pos-sync/internal/sysutil"
)

var version = "dev"

var errUsage = errors.New("usage: posclient <run|create|update|delete|get|list|pending|drain|notifications|dismiss|resubmit|discard> [args]")

// agent bundles the wired engine with what the subcommands need.
type agent struct {
	cfg    config.SyncConfig
	st     *store.Store
	engine *syncer.Engine
	poller *connectivity.Poller
	out    io.Writer
}

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadSync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg.DeviceID = sysutil.DeviceID(cfg.DeviceID)
	// Logs go to stderr so command output stays parseable.
	sysutil.SetupLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, "posclient")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version,
		attribute.String("tenant.id", cfg.TenantID),
		attribute.String("device.id", cfg.DeviceID),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	a, err := newAgent(cfg, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("agent setup failed")
	}
	defer a.st.Close()

	if err := a.dispatch(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Str("code", string(syncer.CodeOf(err))).Msg("command failed")
		os.Exit(1)
	}
}

func newAgent(cfg config.SyncConfig, out io.Writer) (*agent, error) {
	policy, err := syncer.PolicyByName(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.LocalDBPath)
	if err != nil {
		return nil, err
	}

	client := remote.NewHTTPClient(cfg.RemoteURL, cfg.APIBasePath,
		auth.New(cfg.JWTSecret, cfg.JWTIssuer).TokenSource(cfg.DeviceID, cfg.TokenTTL))
	monitor := connectivity.NewMonitor(false)

	engine, err := syncer.New(syncer.Config{
		Store:            st,
		Queue:            queue.New(st),
		Remote:           client,
		Bridge:           cache.NewBridge(cache.New()),
		Monitor:          monitor,
		Policy:           policy,
		Notifier:         syncer.LogNotifier{Logger: log.Logger},
		MaxRetries:       cfg.MaxRetries,
		CommitTimeout:    cfg.CommitTimeout,
		DrainDebounce:    cfg.DrainDebounce,
		PollInterval:     cfg.PollInterval,
		DrainParallelism: cfg.DrainParallelism,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &agent{
		cfg:    cfg,
		st:     st,
		engine: engine,
		poller: &connectivity.Poller{Monitor: monitor, Pinger: client, Interval: cfg.PingInterval},
		out:    out,
	}, nil
}

func (a *agent) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	if cmd == "run" {
		return a.run(ctx)
	}

	// One-shot commands: probe once so writes go direct when the server is up.
	a.poller.Probe(ctx)
	tenant := a.cfg.TenantID

	switch cmd {
	case "create":
		if len(rest) != 2 {
			return errUsage
		}
		kind, payload, err := kindAndPayload(rest[0], rest[1])
		if err != nil {
			return err
		}
		return a.outcome(a.engine.Create(ctx, tenant, kind, payload))
	case "update":
		if len(rest) != 3 {
			return errUsage
		}
		kind, payload, err := kindAndPayload(rest[0], rest[2])
		if err != nil {
			return err
		}
		return a.outcome(a.engine.Update(ctx, tenant, kind, rest[1], payload))
	case "delete":
		if len(rest) != 2 {
			return errUsage
		}
		kind, err := parseKind(rest[0])
		if err != nil {
			return err
		}
		return a.outcome(a.engine.Delete(ctx, tenant, kind, rest[1]))
	case "get":
		if len(rest) != 2 {
			return errUsage
		}
		kind, err := parseKind(rest[0])
		if err != nil {
			return err
		}
		rec, err := a.engine.Get(ctx, tenant, kind, rest[1])
		if err != nil {
			return err
		}
		return a.print(rec)
	case "list":
		if len(rest) != 1 {
			return errUsage
		}
		kind, err := parseKind(rest[0])
		if err != nil {
			return err
		}
		recs, err := a.engine.List(ctx, tenant, kind)
		if err != nil {
			return err
		}
		return a.print(recs)
	case "pending":
		actions, err := a.engine.Pending(ctx, tenant)
		if err != nil {
			return err
		}
		return a.print(actions)
	case "drain":
		rep, err := a.engine.Drain(ctx, tenant)
		if err != nil {
			return err
		}
		return a.print(rep)
	case "notifications":
		fs := flag.NewFlagSet("notifications", flag.ContinueOnError)
		all := fs.Bool("all", false, "include dismissed notifications")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		ns, err := a.engine.Notifications(ctx, tenant, *all)
		if err != nil {
			return err
		}
		return a.print(ns)
	case "dismiss":
		if len(rest) != 1 {
			return errUsage
		}
		return a.engine.Dismiss(ctx, tenant, rest[0])
	case "resubmit":
		if len(rest) != 1 {
			return errUsage
		}
		return a.outcome(a.engine.Resubmit(ctx, tenant, rest[0]))
	case "discard":
		if len(rest) != 1 {
			return errUsage
		}
		return a.engine.Discard(ctx, tenant, rest[0])
	default:
		return errUsage
	}
}

// run probes connectivity and drains queued work until ctx is done.
func (a *agent) run(ctx context.Context) error {
	log.Info().
		Str("tenant_id", a.cfg.TenantID).
		Str("device_id", a.cfg.DeviceID).
		Str("remote", a.cfg.RemoteURL).
		Str("policy", a.engine.Policy().Name()).
		Msg("sync agent started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("sync agent stopped")
		return nil
	}
	return err
}

func (a *agent) outcome(out *syncer.Outcome, err error) error {
	if err != nil {
		return err
	}
	view := struct {
		State    syncer.State   `json:"state"`
		ActionID string         `json:"actionId,omitempty"`
		Record   *domain.Record `json:"record,omitempty"`
		Error    string         `json:"error,omitempty"`
	}{State: out.State, ActionID: out.ActionID, Record: out.Record}
	if out.Err != nil {
		view.Error = out.Err.Error()
	}
	return a.print(view)
}

func (a *agent) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseKind(s string) (domain.EntityKind, error) {
	kind, ok := domain.KindFromPlural(s)
	if !ok {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return kind, nil
}

func kindAndPayload(kindArg, raw string) (domain.EntityKind, domain.Payload, error) {
	kind, err := parseKind(kindArg)
	if err != nil {
		return "", nil, err
	}
	payload, err := domain.DecodePayload([]byte(raw))
	if err != nil {
		return "", nil, fmt.Errorf("payload: %w", err)
	}
	return kind, payload, nil
}
