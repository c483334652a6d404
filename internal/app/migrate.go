package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"stablepay/internal/ledger"
)

// Migrate applies pending ledger schema migrations to the local database.
func (a *App) Migrate(ctx context.Context) error {
	if strings.TrimSpace(a.Config.Database.LedgerURL) != "" {
		return errors.New("database.ledger_url is set; migrations run on the ledger service")
	}

	backend, err := ledger.Open(ctx, a.Config.Database, false)
	if err != nil {
		return err
	}
	defer backend.Close()

	applied, err := backend.Migrate(ctx)
	if err != nil {
		return err
	}

	a.Logger.Info().Int("applied", applied).Str("driver", a.Config.Database.Driver).Msg("ledger schema up to date")
	fmt.Fprintf(os.Stdout, "applied %d migration(s)\n", applied)
	return nil
}
