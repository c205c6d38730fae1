package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zplace/internal/config"
	"github.com/zzenonn/zplace/internal/logging"
	"github.com/zzenonn/zplace/internal/migration"
	"github.com/zzenonn/zplace/internal/partition"
	"github.com/zzenonn/zplace/internal/placement"
	"github.com/zzenonn/zplace/internal/repository/db"
	"github.com/zzenonn/zplace/internal/repository/store"
	"github.com/zzenonn/zplace/internal/service"
)

var (
	cfgFile          string
	cfg              *config.Config
	dynamoDb         *db.DynamoDb
	registry         *placement.StoreRegistry
	placementService *service.PlacementService
)

var rootCmd = &cobra.Command{
	Use:   "zplace",
	Short: "Partition and place tables across heterogeneous stores",
	Long: "zplace keeps a catalog of partitioned tables whose columns are placed on several stores, " +
		"migrates data between stores when placements change and routes reads to the cheapest set of stores.",
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("log_level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("record_jobs", false, "record migration jobs in DynamoDB")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress progress bars")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the DynamoDB tables used for job records and dynamodb stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := dynamoDb.MigrateDb(cmd.Context()); err != nil {
			return fmt.Errorf("failed to migrate the database: %w", err)
		}
		fmt.Println("Database initialized and migrated successfully")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := dynamoDb.MigrateDown(cmd.Context()); err != nil {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		fmt.Println("Database migrations rolled back successfully")
		return nil
	},
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(cfgFile, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)

	quiet, _ := rootCmd.PersistentFlags().GetBool("quiet")
	cfg.Migration.Quiet = quiet

	dynamoDb, err = db.NewDatabase(cfg.AwsConfig, cfg.DynamoDBTable, dynamoRowsTables(cfg.Stores))
	if err != nil {
		log.Fatalf("Failed to connect to the database: %v", err)
	}

	ctx := context.Background()
	registry = placement.NewStoreRegistry()
	factory := store.NewAdapterFactory(cfg.AwsConfig, cfg.GcsClient)
	for _, sc := range cfg.Stores {
		adapter, err := factory.CreateAdapter(ctx, sc)
		if err != nil {
			log.Fatalf("Failed to create store %s: %v", sc.Name, err)
		}
		if err := registry.RegisterStore(adapter); err != nil {
			log.Fatalf("Failed to register store %s: %v", sc.Name, err)
		}
	}

	catalog := placement.NewCatalog(partition.NewManager())
	migrator := migration.NewMigrator(catalog, registry, cfg.Migration)
	if cfg.RecordJobs {
		migrator.WithRecorder(db.NewJobRepository(dynamoDb.Client, cfg.DynamoDBTable))
	}
	placementService = service.NewPlacementService(catalog, registry, migrator)

	if err := service.Bootstrap(ctx, placementService, cfg.Tables); err != nil {
		log.Fatalf("Failed to bootstrap tables: %v", err)
	}
}

// dynamoRowsTables returns the tables backing the dynamodb stores, sorted.
func dynamoRowsTables(stores map[string]store.StoreConfig) []string {
	var tables []string
	for _, sc := range stores {
		if sc.Type == store.DynamoDBType {
			tables = append(tables, sc.Target)
		}
	}
	sort.Strings(tables)
	return tables
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(downCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
