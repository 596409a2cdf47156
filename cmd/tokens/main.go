package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/adapter/repo"
	"server/internal/infra"
)

// Admin helper for the token ledger: top up an account or print its balance.
func main() {
	var (
		userFlag   string
		amountFlag int
		showFlag   bool
	)

	flag.StringVar(&userFlag, "user", "", "user ID to operate on")
	flag.IntVar(&amountFlag, "amount", 0, "tokens to credit (must be > 0 unless -balance)")
	flag.BoolVar(&showFlag, "balance", false, "print the current balance instead of crediting")
	flag.Parse()

	userID := strings.TrimSpace(userFlag)
	if userID == "" {
		exitWithError(errors.New("-user is required"))
	}
	if !showFlag && amountFlag <= 0 {
		exitWithError(errors.New("-amount must be positive"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli", "tokens")
	ledger := repo.NewLedgerRepository(infra.NewSQLRunner(pool, logger))

	if showFlag {
		balance, err := ledger.Balance(ctx, userID)
		if err != nil {
			exitWithError(fmt.Errorf("failed to load balance: %w", err))
		}
		fmt.Printf("User %s balance: %d tokens\n", userID, balance)
		return
	}

	balance, err := ledger.Credit(ctx, userID, amountFlag)
	if err != nil {
		exitWithError(fmt.Errorf("failed to credit tokens: %w", err))
	}
	fmt.Printf("Credited %d tokens to %s, new balance: %d\n", amountFlag, userID, balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
