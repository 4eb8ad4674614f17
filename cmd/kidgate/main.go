package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bluesky-social/kidgate/safety"
	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/catalog"
	"github.com/bluesky-social/kidgate/safety/classifier"
	"github.com/bluesky-social/kidgate/safety/cooldown"
	"github.com/bluesky-social/kidgate/safety/gate"
	"github.com/bluesky-social/kidgate/safety/notify"
	"github.com/bluesky-social/kidgate/safety/quota"
	"github.com/bluesky-social/kidgate/safety/responder"
	"github.com/bluesky-social/kidgate/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "kidgate",
		Usage:   "content safety gate for children's learning games",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"KIDGATE_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (text or json)",
			EnvVars: []string{"KIDGATE_LOG_FMT", "LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "audit database (sqlite:// or postgres://); empty keeps the trail in memory",
			Value:   "sqlite://data/kidgate/audit.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   20,
		},
		&cli.BoolFlag{
			Name:    "enable-db-tracing",
			Usage:   "trace database queries with OpenTelemetry",
			EnvVars: []string{"KIDGATE_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis for shared usage counters, alert cooldowns and catalog distribution; empty keeps them in process",
			EnvVars: []string{"KIDGATE_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "catalog-path",
			Usage:   "JSON pattern catalog file; the built-in catalog is used if unset",
			EnvVars: []string{"KIDGATE_CATALOG_PATH"},
		},
		&cli.DurationFlag{
			Name:    "catalog-poll-interval",
			Usage:   "how often to check redis for a newly published catalog",
			Value:   time.Minute,
			EnvVars: []string{"KIDGATE_CATALOG_POLL_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "Slack webhook for high severity safety events and budget alerts",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "llm-url",
			Usage:   "OpenAI-compatible chat completions endpoint; persona templates are used if unset",
			EnvVars: []string{"KIDGATE_LLM_URL"},
		},
		&cli.StringFlag{
			Name:    "llm-api-key",
			EnvVars: []string{"KIDGATE_LLM_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "llm-model",
			Value:   "gpt-4o-mini",
			EnvVars: []string{"KIDGATE_LLM_MODEL"},
		},
		&cli.DurationFlag{
			Name:    "llm-timeout",
			Value:   responder.DefaultBackendTimeout,
			EnvVars: []string{"KIDGATE_LLM_TIMEOUT"},
		},
		&cli.Float64Flag{
			Name:    "llm-rate-limit",
			Usage:   "max LLM requests per second (0 for unlimited)",
			Value:   5,
			EnvVars: []string{"KIDGATE_LLM_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "daily-limit",
			Usage:   "per-user daily spend limit, in dollars",
			Value:   quota.DefaultDailyLimit.String(),
			EnvVars: []string{"KIDGATE_DAILY_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "audit-retention-days",
			Value:   365,
			EnvVars: []string{"KIDGATE_AUDIT_RETENTION_DAYS"},
		},
		&cli.IntFlag{
			Name:    "usage-retention-days",
			Value:   90,
			EnvVars: []string{"KIDGATE_USAGE_RETENTION_DAYS"},
		},
		&cli.IntFlag{
			Name:    "child-age-threshold",
			Usage:   "players younger than this are child accounts",
			Value:   13,
			EnvVars: []string{"KIDGATE_CHILD_AGE_THRESHOLD"},
		},
		&cli.BoolFlag{
			Name:    "require-parental-consent",
			Value:   true,
			EnvVars: []string{"KIDGATE_REQUIRE_PARENTAL_CONSENT"},
		},
		&cli.BoolFlag{
			Name:    "enforce-gdpr",
			Value:   true,
			EnvVars: []string{"KIDGATE_ENFORCE_GDPR"},
		},
		&cli.BoolFlag{
			Name:    "log-all-events",
			Usage:   "audit every content decision, not only rejections",
			Value:   true,
			EnvVars: []string{"KIDGATE_LOG_ALL_EVENTS"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		checkCmd,
		generateCmd,
		auditCmd,
		catalogCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func loadCatalog(ctx context.Context, cctx *cli.Context, logger *slog.Logger) (*catalog.Holder, *catalog.RedisSource, error) {
	var src *catalog.RedisSource
	if cctx.String("redis-url") != "" {
		s, err := catalog.NewRedisSource(cctx.String("redis-url"), cctx.Duration("catalog-poll-interval"))
		if err != nil {
			return nil, nil, err
		}
		src = s
	}

	cat := catalog.Default()
	if p := cctx.String("catalog-path"); p != "" {
		c, err := catalog.LoadFile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("loading catalog: %w", err)
		}
		cat = c
	} else if src != nil {
		c, err := src.Fetch(ctx)
		switch {
		case err == nil:
			cat = c
		case errors.Is(err, catalog.ErrNotPublished):
			logger.Info("no catalog published to redis, using built-in catalog")
		default:
			logger.Warn("failed to fetch catalog from redis, using built-in catalog", "err", err)
		}
	}
	h, err := catalog.NewHolder(cat)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("loaded pattern catalog", "version", cat.Version)
	return h, src, nil
}

// buildService assembles the service from global flags. With persist false the audit trail stays in memory whatever database-url says.
func buildService(ctx context.Context, cctx *cli.Context, logger *slog.Logger, persist bool) (*safety.Service, *catalog.RedisSource, error) {
	holder, src, err := loadCatalog(ctx, cctx, logger)
	if err != nil {
		return nil, nil, err
	}

	limit, err := decimal.NewFromString(cctx.String("daily-limit"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid daily limit: %w", err)
	}
	auditRetention := days(cctx.Int("audit-retention-days"))
	usageRetention := days(cctx.Int("usage-retention-days"))

	policy := gate.DefaultPolicy()
	policy.ChildAgeThreshold = cctx.Int("child-age-threshold")
	policy.RequireParentalConsent = cctx.Bool("require-parental-consent")
	policy.EnforceGDPR = cctx.Bool("enforce-gdpr")
	policy.LogAllEvents = cctx.Bool("log-all-events")

	config := safety.Config{
		Catalogs:       holder,
		Policy:         &policy,
		DailyLimit:     limit,
		AuditRetention: auditRetention,
		UsageRetention: usageRetention,
		BackendTimeout: cctx.Duration("llm-timeout"),
		Logger:         logger,
	}

	if dburl := cctx.String("database-url"); persist && dburl != "" {
		db, err := cliutil.SetupDatabase(dburl, cliutil.DatabaseOptions{
			MaxConnections: cctx.Int("max-db-connections"),
			EnableTracing:  cctx.Bool("enable-db-tracing"),
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := auditstore.NewGormAuditStore(db, auditRetention)
		if err != nil {
			return nil, nil, err
		}
		config.AuditStore = store
	}

	if rurl := cctx.String("redis-url"); rurl != "" {
		usage, err := quota.NewRedisUsageStore(rurl, usageRetention)
		if err != nil {
			return nil, nil, err
		}
		config.UsageStore = usage
		tracker, err := cooldown.NewRedisTracker(rurl, quota.DefaultCooldown)
		if err != nil {
			return nil, nil, err
		}
		config.Cooldown = tracker
		logger.Info("using redis for usage counters and alert cooldowns")
	}

	if hook := cctx.String("slack-webhook-url"); hook != "" {
		config.Notifier = notify.NewSlackNotifier(hook)
	}

	if u := cctx.String("llm-url"); u != "" {
		backend, err := responder.NewChatBackend(responder.ChatConfig{
			URL:       u,
			APIKey:    cctx.String("llm-api-key"),
			Model:     cctx.String("llm-model"),
			RateLimit: cctx.Float64("llm-rate-limit"),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		config.Backend = backend
	}

	svc, err := safety.NewService(config)
	if err != nil {
		return nil, nil, err
	}
	return svc, src, nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the HTTP service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":4100",
			EnvVars: []string{"KIDGATE_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":4101",
			EnvVars: []string{"KIDGATE_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "purge-schedule",
			Usage:   "cron schedule for the retention purge (empty disables it)",
			Value:   "@daily",
			EnvVars: []string{"KIDGATE_PURGE_SCHEDULE"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			logger.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				return fmt.Errorf("failed to create trace exporter: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					logger.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("kidgate"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
				)),
			)
			otel.SetTracerProvider(tp)
		}

		svc, src, err := buildService(ctx, cctx, logger, true)
		if err != nil {
			return err
		}

		srv, err := NewServer(svc, Config{
			Logger:              logger,
			Bind:                cctx.String("bind"),
			PurgeSchedule:       cctx.String("purge-schedule"),
			AuditPurgeAge:       days(cctx.Int("audit-retention-days")),
			CatalogPath:         cctx.String("catalog-path"),
			CatalogSource:       src,
			CatalogPollInterval: cctx.Duration("catalog-poll-interval"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				logger.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run kidgate service: %w", err)
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "validate a piece of text and print the decision",
	ArgsUsage: "<text>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "class",
			Usage: "content class (username, displayname, message, gamecontent, airesponse, general)",
			Value: "general",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one text argument")
		}
		class, err := classifier.ParseContentClass(cctx.String("class"))
		if err != nil {
			return err
		}
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		svc, _, err := buildService(ctx, cctx, logger, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		resp := svc.ValidateContent(ctx, cctx.Args().First(), class, uuid.Nil)
		if err := printJSON(resp); err != nil {
			return err
		}
		if !resp.Approved {
			return cli.Exit("", 1)
		}
		return nil
	},
}

var generateCmd = &cli.Command{
	Name:      "generate",
	Usage:     "generate a persona response for a player's input",
	ArgsUsage: "<input>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "persona",
			Value: string(responder.EventNarrator),
		},
		&cli.StringFlag{
			Name: "scenario",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		persona, err := responder.ParsePersona(cctx.String("persona"))
		if err != nil {
			return err
		}
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		svc, _, err := buildService(ctx, cctx, logger, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		resp, err := svc.GenerateSafeResponse(ctx, persona, cctx.Args().First(), cctx.String("scenario"), uuid.Nil)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var auditCmd = &cli.Command{
	Name:  "audit",
	Usage: "sub-commands for the audit trail",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:  "purge",
			Usage: "delete audit events older than the retention window",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "older-than-days",
					Usage: "defaults to the configured audit retention",
				},
			},
			Action: func(cctx *cli.Context) error {
				ctx := cctx.Context
				logger, err := configLogger(cctx)
				if err != nil {
					return err
				}
				svc, _, err := buildService(ctx, cctx, logger, true)
				if err != nil {
					return err
				}
				defer svc.Close()

				n := cctx.Int("older-than-days")
				if n <= 0 {
					n = cctx.Int("audit-retention-days")
				}
				deleted, err := svc.PurgeAudit(ctx, days(n))
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d audit events older than %d days\n", deleted, n)
				return nil
			},
		},
	},
}

var catalogCmd = &cli.Command{
	Name:  "catalog",
	Usage: "sub-commands for the pattern catalog",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:  "show",
			Usage: "print a summary of the active catalog",
			Action: func(cctx *cli.Context) error {
				ctx := cctx.Context
				logger, err := configLogger(cctx)
				if err != nil {
					return err
				}
				holder, _, err := loadCatalog(ctx, cctx, logger)
				if err != nil {
					return err
				}
				return printJSON(catalogInfo(holder.Current()))
			},
		},
		&cli.Command{
			Name:      "publish",
			Usage:     "publish a catalog file to redis for running services to pick up",
			ArgsUsage: "<catalog.json>",
			Action: func(cctx *cli.Context) error {
				ctx := cctx.Context
				if cctx.Args().Len() != 1 {
					return fmt.Errorf("expected a catalog file path")
				}
				if cctx.String("redis-url") == "" {
					return fmt.Errorf("publishing requires --redis-url")
				}
				cat, err := catalog.LoadFile(cctx.Args().First())
				if err != nil {
					return err
				}
				src, err := catalog.NewRedisSource(cctx.String("redis-url"), cctx.Duration("catalog-poll-interval"))
				if err != nil {
					return err
				}
				if err := src.Publish(ctx, cat); err != nil {
					return err
				}
				fmt.Printf("published catalog version %s\n", cat.Version)
				return nil
			},
		},
	},
}
