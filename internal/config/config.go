package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zzenonn/zplace/internal/migration"
	"github.com/zzenonn/zplace/internal/repository/store"
)

// Config holds the application configuration
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// AwsConfig is shared by the DynamoDB, S3, SSM and tagging clients.
	AwsConfig aws.Config
	// GcsClient is only created when a gs:// store is configured.
	GcsClient     *storage.Client
	DynamoDBTable string                       `yaml:"dynamodb_table"`
	Stores        map[string]store.StoreConfig `yaml:"stores"`
	Tables        []TableConfig                `yaml:"tables"`
	Migration     migration.Config             `yaml:"migration"`
	SSMPrefix     string                       `yaml:"ssm_prefix"`
	DiscoverTag   string                       `yaml:"discover_tag"`
	// RecordJobs writes migration job transitions to DynamoDBTable.
	RecordJobs bool `yaml:"record_jobs"`
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables > config.yaml > SSM > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	awsConfig, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}

	if prefix := viper.GetString("ssm_prefix"); prefix != "" {
		if err := loadSSMParameters(context.Background(), ssm.NewFromConfig(awsConfig), prefix); err != nil {
			return nil, err
		}
	}

	stores, err := parseStores()
	if err != nil {
		return nil, err
	}

	var gcsClient *storage.Client
	if needsGCS(stores) {
		if gcsClient, err = loadGCSClient(); err != nil {
			return nil, err
		}
	}

	tables, err := parseTables()
	if err != nil {
		return nil, err
	}

	migrationConfig, err := parseMigration()
	if err != nil {
		return nil, err
	}

	return &Config{
		LogLevel:      viper.GetString("log_level"),
		LogFormat:     viper.GetString("log_format"),
		AwsConfig:     awsConfig,
		GcsClient:     gcsClient,
		DynamoDBTable: viper.GetString("dynamodb_table"),
		RecordJobs:    viper.GetBool("record_jobs"),
		Stores:        stores,
		Tables:        tables,
		Migration:     migrationConfig,
		SSMPrefix:     viper.GetString("ssm_prefix"),
		DiscoverTag:   viper.GetString("discover_tag"),
	}, nil
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	setDefaults()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if rootCmd != nil {
		if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	defaults := migration.DefaultConfig()
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("dynamodb_table", "zplace-migration-jobs")
	viper.SetDefault("discover_tag", "zplace:store")
	viper.SetDefault("migration.batch_size", defaults.BatchSize)
	viper.SetDefault("migration.parallelism", defaults.Parallelism)
	viper.SetDefault("migration.max_retries", defaults.MaxRetries)
	viper.SetDefault("migration.retry_backoff", defaults.RetryBackoff)
	viper.SetDefault("migration.verify", defaults.Verify)
	viper.SetDefault("migration.rows_per_second", defaults.RowsPerSecond)
}

// loadAWSConfig loads AWS SDK configuration
func loadAWSConfig() (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %v", err)
	}
	return cfg, nil
}

// loadGCSClient loads Google Cloud Storage client
func loadGCSClient() (*storage.Client, error) {
	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("unable to create GCS client: %v", err)
	}
	return client, nil
}

// loadSSMParameters copies every parameter under prefix into viper.
// "/zplace/stores/cold/uri" under prefix "/zplace" becomes "stores.cold.uri".
// Keys already set in the config file or the environment win.
func loadSSMParameters(ctx context.Context, client ssm.GetParametersByPathAPIClient, prefix string) error {
	paginator := ssm.NewGetParametersByPathPaginator(client, &ssm.GetParametersByPathInput{
		Path:           aws.String(prefix),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	})

	loaded := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("loading SSM parameters under %s: %w", prefix, err)
		}
		for _, p := range page.Parameters {
			key := ssmKey(prefix, aws.ToString(p.Name))
			if key == "" || viper.InConfig(key) || envDefined(key) {
				continue
			}
			viper.Set(key, aws.ToString(p.Value))
			loaded++
		}
	}
	log.Debugf("Loaded %d parameters from SSM under %s", loaded, prefix)
	return nil
}

func envDefined(key string) bool {
	_, ok := os.LookupEnv(strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	return ok
}

func ssmKey(prefix, name string) string {
	rest := strings.TrimPrefix(name, strings.TrimRight(prefix, "/"))
	rest = strings.Trim(rest, "/")
	return strings.ToLower(strings.ReplaceAll(rest, "/", "."))
}

// parseStores parses store configuration from Viper. Names are collected
// from every layer so stores defined only in SSM are picked up too.
func parseStores() (map[string]store.StoreConfig, error) {
	seen := make(map[string]bool)
	var names []string
	for _, key := range viper.AllKeys() {
		parts := strings.Split(key, ".")
		if len(parts) < 3 || parts[0] != "stores" || seen[parts[1]] {
			continue
		}
		seen[parts[1]] = true
		names = append(names, parts[1])
	}
	sort.Strings(names)

	stores := make(map[string]store.StoreConfig, len(names))
	for _, name := range names {
		cfg, err := store.ParseStoreConfig(name, viper.GetString("stores."+name+".uri"))
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		stores[name] = cfg
	}
	if len(stores) == 0 {
		log.Warn("No stores configured, using an in-memory store named default")
		stores["default"] = store.StoreConfig{Name: "default", Type: store.MemoryType}
	}
	return stores, nil
}

func needsGCS(stores map[string]store.StoreConfig) bool {
	for _, s := range stores {
		if s.Type == store.GCSType {
			return true
		}
	}
	return false
}

func parseTables() ([]TableConfig, error) {
	var tables []TableConfig
	if err := viper.UnmarshalKey("tables", &tables); err != nil {
		return nil, fmt.Errorf("error parsing tables: %w", err)
	}
	return tables, nil
}

func parseMigration() (migration.Config, error) {
	cfg := migration.DefaultConfig()
	if err := viper.UnmarshalKey("migration", &cfg); err != nil {
		return migration.Config{}, fmt.Errorf("error parsing migration settings: %w", err)
	}
	return cfg, nil
}

// SetConfigValue sets a configuration value (used for CLI flags)
func SetConfigValue(key string, value interface{}) {
	viper.Set(key, value)
}
