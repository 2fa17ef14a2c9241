package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/db"
	"shareyoursales-ace/pkg/featureflags"
	"shareyoursales-ace/pkg/gen"
	"shareyoursales-ace/pkg/logger"
	"shareyoursales-ace/pkg/middleware"
	"shareyoursales-ace/services/attribution"
	"shareyoursales-ace/services/click"
	"shareyoursales-ace/services/commission"
	"shareyoursales-ace/services/link"
	"shareyoursales-ace/services/merchant"
	"shareyoursales-ace/services/payout"
)

const usage = `usage: opsctl <command> [flags]

commands:
  force-approve  -id <commission> -tag <audit tag>
  reject         -id <commission> -tag <audit tag>
  cancel         -source <source> -order <external order id>
  quarantine
  batch          -influencer <id> [-currency MAD]
  sweep
  dispatch       -id <payout>
  reconcile      -id <payout> [-tx <external tx id>] -status settled|failed [-reason <text>]
`

// opsctl runs operator actions directly against the database with an admin
// actor, for the cases where the HTTP surface is down or unreachable.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		access.Module,
		featureflags.Module,
		fx.Provide(
			merchant.NewService,
			link.NewService,
			click.NewService,
			attribution.NewService,
			commission.NewService,
			payout.NewRegistry,
			payout.NewService,
		),
		fx.Invoke(func(ledger *commission.Service, payouts *payout.Service, sd fx.Shutdowner) {
			code := 0
			if err := run(command, os.Args[2:], ledger, payouts); err != nil {
				zap.L().Error("command failed", zap.String("command", command), zap.Error(err))
				code = 1
			}
			_ = sd.Shutdown(fx.ExitCode(code))
		}),
		fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
			return fxevent.NopLogger
		}),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

func actor() middleware.Actor {
	subject := os.Getenv("OPSCTL_ACTOR")
	if subject == "" {
		subject = "opsctl"
	}
	return middleware.Actor{Subject: subject, Role: middleware.RoleAdmin}
}

func run(command string, args []string, ledger *commission.Service, payouts *payout.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := time.Now().UTC()

	switch command {
	case "force-approve", "reject":
		fs := flag.NewFlagSet(command, flag.ExitOnError)
		id := fs.String("id", "", "commission id")
		tag := fs.String("tag", "", "audit tag")
		_ = fs.Parse(args)
		if *id == "" || *tag == "" {
			return fmt.Errorf("-id and -tag are required")
		}
		if command == "force-approve" {
			return ledger.ForceApprove(ctx, *id, actor(), *tag, now)
		}
		return ledger.Reject(ctx, *id, actor(), *tag, now)

	case "cancel":
		fs := flag.NewFlagSet(command, flag.ExitOnError)
		source := fs.String("source", "", "sale source")
		order := fs.String("order", "", "external order id")
		_ = fs.Parse(args)
		if *source == "" || *order == "" {
			return fmt.Errorf("-source and -order are required")
		}
		result, err := ledger.Cancel(ctx, *source, *order, actor(), now)
		if err != nil {
			return err
		}
		return print(result.Sale)

	case "quarantine":
		events, err := ledger.ListQuarantine(ctx, actor())
		if err != nil {
			return err
		}
		return print(events)

	case "batch":
		fs := flag.NewFlagSet(command, flag.ExitOnError)
		influencer := fs.String("influencer", "", "influencer id")
		currency := fs.String("currency", "MAD", "currency")
		_ = fs.Parse(args)
		if *influencer == "" {
			return fmt.Errorf("-influencer is required")
		}
		p, err := payouts.TriggerBatch(ctx, actor(), *influencer, *currency, now)
		if err != nil {
			return err
		}
		return print(p)

	case "sweep":
		batches, err := payouts.SelectAllEligible(ctx, now)
		if err != nil {
			return err
		}
		return print(batches)

	case "dispatch":
		fs := flag.NewFlagSet(command, flag.ExitOnError)
		id := fs.String("id", "", "payout id")
		_ = fs.Parse(args)
		if *id == "" {
			return fmt.Errorf("-id is required")
		}
		return payouts.TriggerDispatch(ctx, actor(), *id)

	case "reconcile":
		fs := flag.NewFlagSet(command, flag.ExitOnError)
		id := fs.String("id", "", "payout id")
		tx := fs.String("tx", "", "external transaction id")
		status := fs.String("status", "", "settled or failed")
		reason := fs.String("reason", "", "failure reason")
		_ = fs.Parse(args)
		if *id == "" || (*status != "settled" && *status != "failed") {
			return fmt.Errorf("-id and -status settled|failed are required")
		}
		result, err := payouts.Reconcile(ctx, *id, payout.ReconcileOutcome{
			ExternalTxID: *tx,
			Success:      *status == "settled",
			Reason:       *reason,
		}, now)
		if err != nil {
			return err
		}
		return print(result.Payout)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func print(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
