package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/medrex/referral-sync/internal/agent"
	"github.com/medrex/referral-sync/pkg/config"
	"github.com/medrex/referral-sync/pkg/encryption"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/types"
)

type globals struct {
	Config string `short:"c" help:"Path to the configuration file." type:"path"`
}

type cli struct {
	globals

	Run         runCmd         `cmd:"" default:"1" help:"Sync periodically and serve the local status endpoint."`
	Sync        syncCmd        `cmd:"" help:"Run one sync pass and print the result."`
	Stats       statsCmd       `cmd:"" help:"Print queue statistics and recent sync runs."`
	Queue       queueCmd       `cmd:"" help:"List sync queue entries."`
	RetryFailed retryFailedCmd `cmd:"" help:"Make failed queue entries eligible for the next pass."`
	Purge       purgeCmd       `cmd:"" help:"Delete completed queue entries past retention."`
	Audit       auditCmd       `cmd:"" help:"Inspect the local audit log."`
	Referrals   referralsCmd   `cmd:"" help:"List and update referrals in the local store."`
	Keygen      keygenCmd      `cmd:"" help:"Generate a new local encryption key."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name(agent.ServiceName),
		kong.Description("Offline-first referral store that synchronizes with the referral sync server."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&c.globals))
}

// withAgent opens the agent for the duration of fn
func (g *globals) withAgent(fn func(ctx context.Context, a *agent.Agent) error) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("Failed to close agent cleanly")
		}
	}()

	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type runCmd struct{}

func (r *runCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		if err := a.RecoverInterrupted(ctx); err != nil {
			return err
		}
		return a.Run(ctx)
	})
}

type syncCmd struct{}

func (s *syncCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		if err := a.RecoverInterrupted(ctx); err != nil {
			return err
		}
		result, err := a.Sync.PerformSync(ctx)
		if result != nil {
			if perr := printJSON(result); perr != nil {
				return perr
			}
		}
		return err
	})
}

type statsCmd struct {
	Runs int `default:"10" help:"Number of recent sync runs to show."`
}

func (s *statsCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		stats, err := a.Sync.GetStatistics(ctx)
		if err != nil {
			return err
		}
		runs, err := a.Store.Runs.Recent(ctx, s.Runs)
		if err != nil {
			return err
		}
		return printJSON(struct {
			Statistics *types.SyncStatistics `json:"statistics"`
			Runs       []*types.SyncRun      `json:"recent_runs"`
		}{stats, runs})
	})
}

type queueCmd struct {
	Status string `default:"failed" enum:"pending,completed,failed" help:"Entry status to list (${enum})."`
	Limit  int    `default:"50" help:"Maximum number of entries."`
}

func (q *queueCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		items, err := a.Store.Queue.List(ctx, types.SyncItemStatus(q.Status), q.Limit)
		if err != nil {
			return err
		}
		return printJSON(items)
	})
}

type retryFailedCmd struct{}

func (r *retryFailedCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		n, err := a.Sync.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d entries\n", n)
		return nil
	})
}

type purgeCmd struct{}

func (p *purgeCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		n, err := a.Sync.PurgeCompleted(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d entries\n", n)
		return nil
	})
}

type auditCmd struct {
	List    auditListCmd    `cmd:"" default:"1" help:"List audit events."`
	Summary auditSummaryCmd `cmd:"" help:"Summarize audit events."`
	Verify  auditVerifyCmd  `cmd:"" help:"Check the signature of an audit event."`
}

type auditListCmd struct {
	Type     string        `help:"Only events of this type."`
	Since    time.Duration `default:"24h" help:"How far back to look."`
	Failures bool          `help:"Only failed events."`
	Limit    int           `default:"100" help:"Maximum number of events."`
}

func (l *auditListCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		filter := types.AuditFilter{
			Type:  types.SecurityEventType(l.Type),
			Since: time.Now().Add(-l.Since),
			Limit: l.Limit,
		}
		if l.Failures {
			success := false
			filter.Success = &success
		}
		events, err := a.Audit.List(ctx, filter)
		if err != nil {
			return err
		}
		return printJSON(events)
	})
}

type auditSummaryCmd struct {
	Since time.Duration `default:"168h" help:"How far back to look."`
}

func (s *auditSummaryCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		summary, err := a.Audit.Summary(ctx, time.Now().Add(-s.Since))
		if err != nil {
			return err
		}
		return printJSON(summary)
	})
}

type auditVerifyCmd struct {
	ID string `arg:"" help:"Audit event ID."`
}

func (v *auditVerifyCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		ok, err := a.Audit.Verify(ctx, v.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("audit event %s failed signature verification", v.ID)
		}
		fmt.Printf("audit event %s verified\n", v.ID)
		return nil
	})
}

type referralsCmd struct {
	List      referralsListCmd      `cmd:"" default:"1" help:"List referrals."`
	SetStatus referralsSetStatusCmd `cmd:"" help:"Move a referral to a new status."`
}

type referralsListCmd struct {
	Patient    string `help:"Only referrals of this patient."`
	Specialist string `help:"Only referrals to this specialist."`
	Status     string `help:"Only referrals in this status."`
	Limit      int    `default:"50" help:"Maximum number of referrals."`
	Offset     int    `help:"Number of referrals to skip."`
}

func (l *referralsListCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		referrals, err := a.Data.GetReferrals(ctx, types.ReferralFilters{
			PatientID:    l.Patient,
			SpecialistID: l.Specialist,
			Status:       types.ReferralStatus(l.Status),
			Limit:        l.Limit,
			Offset:       l.Offset,
		})
		if err != nil {
			return err
		}
		return printJSON(referrals)
	})
}

type referralsSetStatusCmd struct {
	ID     string `arg:"" help:"Referral ID."`
	Status string `arg:"" enum:"draft,sent,accepted,scheduled,completed,rejected,cancelled" help:"New status (${enum})."`
}

func (s *referralsSetStatusCmd) Run(g *globals) error {
	return g.withAgent(func(ctx context.Context, a *agent.Agent) error {
		referral, err := a.Data.UpdateReferralStatus(ctx, s.ID, types.ReferralStatus(s.Status))
		if err != nil {
			return err
		}
		return printJSON(referral)
	})
}

type keygenCmd struct{}

func (k *keygenCmd) Run() error {
	key, err := encryption.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}
