// Command inspect dumps the persisted position ledger from the engine's
// state database, for operators checking the book without a running node.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"flashlev/internal/config"
	"flashlev/internal/ledger"
	"flashlev/internal/state/sqlite"
)

func main() {
	configPath := flag.String("config", "", "optional config path to resolve the state database")
	statePath := flag.String("state", "", "path to the sqlite state database (overrides config)")
	positionID := flag.Uint64("id", 0, "print a single position by id")
	asJSON := flag.Bool("json", false, "print positions as JSON")
	flag.Parse()

	path := *statePath
	if path == "" && *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		path = cfg.State.SQLitePath
	}
	if path == "" {
		path = "data/flashlev.db"
	}

	store, err := sqlite.New(path)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	book := ledger.New(store)
	if err := book.Load(ctx); err != nil {
		fatal(err)
	}

	positions := book.List()
	if *positionID != 0 {
		pos, ok := book.Get(*positionID)
		if !ok {
			fatal(fmt.Errorf("position %d not found in %s", *positionID, path))
		}
		positions = []*ledger.Position{pos}
	}

	if *asJSON {
		payload, err := json.MarshalIndent(positions, "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(payload))
		return
	}

	fmt.Printf("%d position(s) in %s\n", len(positions), path)
	for _, pos := range positions {
		fmt.Printf("#%d %s collateral=%s (%s) debt=%s (%s) opened=%s updated=%s\n",
			pos.ID,
			pos.Direction,
			pos.Collateral, pos.CollateralToken.Hex(),
			pos.Debt, pos.DebtToken.Hex(),
			pos.OpenedAt.Format("2006-01-02T15:04:05Z"),
			pos.UpdatedAt.Format("2006-01-02T15:04:05Z"),
		)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
