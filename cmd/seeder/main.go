package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/tenmo-ledger/internal/config"
	"github.com/punchamoorthee/tenmo-ledger/internal/logging"
	"github.com/punchamoorthee/tenmo-ledger/internal/store"
	"go.uber.org/zap"
)

func main() {
	total := flag.Int("users", 1000, "number of users to provision")
	prefix := flag.String("prefix", "user", "username prefix for generated users")
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := store.Migrate(cfg.DBSource, logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer conn.Close(ctx)

	var existing int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM tenmo_user WHERE username LIKE $1 || '%'", *prefix).Scan(&existing); err != nil {
		logger.Fatal("count users", zap.Error(err))
	}
	if existing >= *total {
		logger.Info("database already seeded, skipping", zap.Int("users", existing))
		return
	}

	rows := make([][]any, 0, *total-existing)
	for i := existing; i < *total; i++ {
		rows = append(rows, []any{fmt.Sprintf("%s%04d", *prefix, i+1)})
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		logger.Fatal("begin", zap.Error(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"tenmo_user"}, []string{"username"}, pgx.CopyFromRows(rows))
	if err != nil {
		logger.Fatal("bulk insert users failed", zap.Error(err))
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO account (user_id, balance)
		SELECT u.user_id, $1::numeric
		FROM tenmo_user u
		LEFT JOIN account a ON a.user_id = u.user_id
		WHERE a.account_id IS NULL`,
		cfg.OpeningBalance.String(),
	)
	if err != nil {
		logger.Fatal("open accounts failed", zap.Error(err))
	}
	if err := tx.Commit(ctx); err != nil {
		logger.Fatal("commit", zap.Error(err))
	}

	logger.Info("seeded users",
		zap.Int64("users", copied),
		zap.Int64("accounts", tag.RowsAffected()),
		zap.Stringer("opening_balance", cfg.OpeningBalance),
	)
}
