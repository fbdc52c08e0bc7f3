package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/database"
	"github.com/CosmoTheDev/scanorch/internal/payload"
	"github.com/CosmoTheDev/scanorch/internal/product"
	"github.com/CosmoTheDev/scanorch/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify the database, payload store and executor configurations",
	Long: `Checks that the database can be reached, the payload store is usable
and every enabled executor configuration can be decoded and has its
credentials available.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true

	fmt.Println(headerStyle.Render("scanorch doctor"))

	fmt.Print("Database ................. ")
	db, err := database.New(cfg.Database)
	if err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else {
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
			db = nil
		} else {
			fmt.Printf("OK (%s)\n", db.Driver())
		}
	}

	fmt.Print("Payload store ............ ")
	payloads, err := payload.New(ctx, cfg.Payloads)
	switch {
	case err != nil:
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	case payloads == nil:
		fmt.Println("OK (database)")
	default:
		fmt.Printf("OK (minio: %s/%s)\n", cfg.Payloads.MinIO.Endpoint, cfg.Payloads.MinIO.Bucket)
	}

	fmt.Print("Source work dir .......... ")
	if st, err := os.Stat(cfg.Sources.WorkDir); err != nil || !st.IsDir() {
		fmt.Printf("WARN (%s missing, created on first clone)\n", cfg.Sources.WorkDir)
	} else {
		fmt.Printf("OK (%s)\n", cfg.Sources.WorkDir)
	}

	if db != nil {
		if err := db.Migrate(ctx); err != nil {
			fmt.Printf("Migrations ............... FAIL (%s)\n", err)
			allOK = false
		} else if !checkExecutors(ctx, store.NewConfigs(db)) {
			allOK = false
		}
	}

	fmt.Println()
	if allOK {
		fmt.Println(successStyle.Render("All checks passed, scanorch is ready."))
	} else {
		fmt.Println(warnStyle.Render("Some checks failed."))
	}
	return nil
}

func checkExecutors(ctx context.Context, configs *store.Configs) bool {
	all, err := configs.List(ctx)
	if err != nil {
		fmt.Printf("Executor configs ......... FAIL (%s)\n", err)
		return false
	}
	fmt.Println()
	fmt.Println("Executor configurations:")
	if len(all) == 0 {
		fmt.Println(dimStyle.Render("  none (add some with 'scanorch executors import')"))
		return true
	}
	ok := true
	for _, c := range all {
		fmt.Printf("  %-24s ... ", c.Name)
		if !c.Enabled {
			fmt.Println(dimStyle.Render("disabled"))
			continue
		}
		if _, known := product.ParseIdentifier(c.ProductID); !known {
			fmt.Printf("FAIL (unknown product %s)\n", c.ProductID)
			ok = false
			continue
		}
		setup, err := product.ParseSetup(c.Setup)
		if err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			ok = false
			continue
		}
		if c.ProductID == string(product.IdentifierSereco) {
			fmt.Println("OK")
			continue
		}
		if _, err := setup.Secret(); err != nil {
			fmt.Printf("WARN (%s)\n", err)
			ok = false
			continue
		}
		fmt.Printf("OK (%s)\n", setup.BaseURL)
	}
	return ok
}
