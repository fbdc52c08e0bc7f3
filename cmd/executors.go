package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/database"
	"github.com/CosmoTheDev/scanorch/internal/product"
	"github.com/CosmoTheDev/scanorch/internal/store"
	"github.com/CosmoTheDev/scanorch/models"
)

var executorsCmd = &cobra.Command{
	Use:   "executors",
	Short: "Manage product executor configurations",
}

var executorsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update executor configurations from a YAML file",
	Long: `Reads executor configurations from a YAML file. Configurations are
matched by name, so importing the same file twice updates in place.

Example file:
  executors:
    - name: checkmarx-main
      product: CHECKMARX
      version: 1
      enabled: true
      projects: [alpha, beta]
      setup:
        base_url: https://checkmarx.example.com
        user: scanner
        password_env: CHECKMARX_PASSWORD
        parameters:
          checkmarx.newproject.teamid: "1"`,
	Args: cobra.ExactArgs(1),
	RunE: runExecutorsImport,
}

var executorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executor configurations",
	RunE:  runExecutorsList,
}

func init() {
	executorsCmd.AddCommand(executorsImportCmd, executorsListCmd)
}

// executorFile is the layout of an import file.
type executorFile struct {
	Executors []executorEntry `yaml:"executors"`
}

type executorEntry struct {
	Name     string        `yaml:"name"`
	Product  string        `yaml:"product"`
	Version  int           `yaml:"version"`
	Enabled  *bool         `yaml:"enabled"`
	Projects []string      `yaml:"projects"`
	Setup    product.Setup `yaml:"setup"`
}

// openConfigs opens just the configuration store; these commands do not
// need the executors wired.
func openConfigs(ctx context.Context) (*store.Configs, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return store.NewConfigs(db), func() { db.Close() }, nil
}

func runExecutorsImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	data, err := os.ReadFile(args[0]) // #nosec G304 -- user-supplied import file
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	var file executorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}
	if len(file.Executors) == 0 {
		return fmt.Errorf("%s defines no executors", args[0])
	}

	configs, closeDB, err := openConfigs(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	for _, e := range file.Executors {
		cfg, err := toExecutorConfig(e)
		if err != nil {
			return err
		}
		existing, err := configs.FindByName(ctx, e.Name)
		switch {
		case err == nil:
			cfg.UUID = existing.UUID
			cfg.CreatedAt = existing.CreatedAt
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := configs.Save(ctx, cfg, e.Projects); err != nil {
			return err
		}
		fmt.Printf("%s %s (%s v%d) -> %s\n",
			successStyle.Render("✓"), cfg.Name, cfg.ProductID, cfg.ExecutorVersion,
			dimStyle.Render(strings.Join(e.Projects, ", ")))
	}
	return nil
}

func toExecutorConfig(e executorEntry) (*models.ProductExecutorConfig, error) {
	if e.Name == "" {
		return nil, fmt.Errorf("executor without a name")
	}
	id, ok := product.ParseIdentifier(e.Product)
	if !ok {
		return nil, fmt.Errorf("executor %s: unknown product %q", e.Name, e.Product)
	}
	if e.Version <= 0 {
		e.Version = 1
	}
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	setup, err := e.Setup.Encode()
	if err != nil {
		return nil, fmt.Errorf("executor %s: %w", e.Name, err)
	}
	return &models.ProductExecutorConfig{
		Name:            e.Name,
		ProductID:       string(id),
		ExecutorVersion: e.Version,
		Enabled:         enabled,
		Setup:           setup,
	}, nil
}

func runExecutorsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	configs, closeDB, err := openConfigs(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	all, err := configs.List(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println(dimStyle.Render("No executor configurations. Add some with 'scanorch executors import'."))
		return nil
	}

	fmt.Printf("%-24s %-16s %-4s %-8s %s\n", "NAME", "PRODUCT", "VER", "STATE", "PROJECTS")
	for _, c := range all {
		projects, err := configs.Projects(ctx, c.UUID)
		if err != nil {
			return err
		}
		state := successStyle.Render("enabled ")
		if !c.Enabled {
			state = dimStyle.Render("disabled")
		}
		fmt.Printf("%-24s %-16s %-4d %s %s\n", c.Name, c.ProductID, c.ExecutorVersion, state, strings.Join(projects, ", "))
	}
	return nil
}
