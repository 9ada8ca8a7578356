package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kode4food/ledger"
)

// backend is an opened store: its log, its checkpoint store, and how to
// release it
type backend struct {
	log         ledger.EventLog
	checkpoints ledger.CheckpointStore
	migrate     func(context.Context) error
	close       func() error
}

const usage = `usage: ledger [flags] <command> [args]

commands:
  read <stream|category>   print messages from a stream, category or $all
  last <stream>            print the last message of a stream
  tail <category>          follow a category, printing each new message
  checkpoint <name>        print a subscription's checkpoint
  migrate                  create the Postgres schema

flags:
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "ledger:", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("ledger", pflag.ContinueOnError)
	flags.StringVarP(&env.Backend, "backend", "b", env.Backend,
		"storage backend: memory, redis, bolt or postgres")
	from := flags.Int64("from", 0, "first position to read")
	limit := flags.Int("limit", 0, "maximum messages to read, 0 for all")
	name := flags.String("name", "ledger-tail", "checkpoint name for tail")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	if flags.NArg() < 1 {
		flags.Usage()
		return errUsage
	}

	logger, err := env.logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	b, err := openBackend(ctx, env)
	if err != nil {
		return err
	}
	defer func() { _ = b.close() }()

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	switch {
	case cmd == "migrate":
		if b.migrate == nil {
			return fmt.Errorf("backend %s has no schema to migrate", env.Backend)
		}
		return b.migrate(ctx)
	case len(rest) != 1:
		flags.Usage()
		return errUsage
	case cmd == "read":
		msgs, err := b.log.Read(ctx, rest[0], *from, *limit)
		if err != nil {
			return err
		}
		return printMessages(msgs...)
	case cmd == "last":
		msg, err := b.log.ReadLast(ctx, rest[0])
		if err != nil || msg == nil {
			return err
		}
		return printMessages(msg)
	case cmd == "checkpoint":
		pos, err := b.checkpoints.Load(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Println(pos)
		return nil
	case cmd == "tail":
		return tail(ctx, b, rest[0], *name, logger)
	default:
		flags.Usage()
		return errUsage
	}
}

func tail(
	ctx context.Context, b *backend, source, name string, logger *zap.Logger,
) error {
	d := ledger.NewDispatcher(nil)
	d.RegisterAll(func(_ context.Context, msg *ledger.Message) error {
		return printMessages(msg)
	})
	s, err := ledger.NewSubscription(ledger.SubscriptionSpec{
		Name:        name,
		Source:      source,
		Log:         b.log,
		Dispatcher:  d,
		Checkpoints: b.checkpoints,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

func openBackend(ctx context.Context, env *Env) (*backend, error) {
	switch env.Backend {
	case backendMemory:
		return &backend{
			log:         ledger.NewMemoryLog(),
			checkpoints: ledger.NewMemoryCheckpointStore(),
			close:       func() error { return nil },
		}, nil

	case backendRedis:
		client, err := ledger.NewRedisClient(ctx, env.Redis)
		if err != nil {
			return nil, err
		}
		return &backend{
			log:         ledger.NewRedisLog(client, env.Redis.Prefix),
			checkpoints: ledger.NewRedisCheckpointStore(client, env.Redis.Prefix),
			close:       client.Close,
		}, nil

	case backendBolt:
		db, err := ledger.OpenBolt(env.Bolt)
		if err != nil {
			return nil, err
		}
		return &backend{
			log:         ledger.NewBoltLog(db),
			checkpoints: ledger.NewBoltCheckpointStore(db),
			close:       db.Close,
		}, nil

	case backendPostgres:
		pool, err := ledger.NewPostgresPool(ctx, env.Postgres)
		if err != nil {
			return nil, err
		}
		return &backend{
			log:         ledger.NewPostgresLog(pool),
			checkpoints: ledger.NewPostgresCheckpointStore(pool),
			migrate: func(ctx context.Context) error {
				return ledger.Migrate(ctx, pool)
			},
			close: func() error {
				pool.Close()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", env.Backend)
	}
}

func printMessages(msgs ...*ledger.Message) error {
	enc := json.NewEncoder(os.Stdout)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}
