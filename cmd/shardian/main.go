package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacktea/shardian/pkg/blob"
	"github.com/jacktea/shardian/pkg/chunker"
	"github.com/jacktea/shardian/pkg/encryption"
	"github.com/jacktea/shardian/pkg/index"
	"github.com/jacktea/shardian/pkg/logging"
	"github.com/jacktea/shardian/pkg/sharder"
)

const defaultChunkSize = 1 << 20

type settings struct {
	ChunkSize   int
	Key         string
	Method      string
	Concurrency int
	Root        string
	Index       string
	LogLevel    string
	LogFormat   string
}

func loadSettings() settings {
	return settings{
		ChunkSize:   viper.GetInt("chunk_size"),
		Key:         viper.GetString("key"),
		Method:      viper.GetString("method"),
		Concurrency: viper.GetInt("concurrency"),
		Root:        viper.GetString("root"),
		Index:       viper.GetString("index"),
		LogLevel:    viper.GetString("log_level"),
		LogFormat:   viper.GetString("log_format"),
	}
}

type app struct {
	cfg     settings
	log     *zap.Logger
	chunker *chunker.Chunker
	index   *index.CachedStore
	blobs   blob.Store
	sharder *sharder.Sharder
}

func (a *app) init() error {
	if a.log != nil {
		return nil
	}
	a.cfg = loadSettings()
	log, err := logging.New(a.cfg.LogLevel, a.cfg.LogFormat)
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

func (a *app) ensureChunker() (*chunker.Chunker, error) {
	if a.chunker != nil {
		return a.chunker, nil
	}
	c, err := buildChunker(a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.chunker = c
	return c, nil
}

func (a *app) ensureSharder() (*sharder.Sharder, error) {
	if a.sharder != nil {
		return a.sharder, nil
	}
	c, err := a.ensureChunker()
	if err != nil {
		return nil, err
	}
	if err := a.ensureStores(); err != nil {
		return nil, err
	}
	a.sharder = sharder.New(c, a.blobs, a.index, sharder.Options{
		Concurrency: a.cfg.Concurrency,
		Logger:      a.log.Named("sharder"),
	})
	return a.sharder, nil
}

func (a *app) ensureStores() error {
	if a.index != nil {
		return nil
	}
	blobs, err := buildBlobStore(a.cfg.Root)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	bolt, err := index.NewBoltStore(index.BoltConfig{Path: a.cfg.Index})
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	a.blobs = blobs
	a.index = index.NewCachedStore(bolt, 256, time.Minute)
	return nil
}

func (a *app) close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.log.Warn("close index", zap.Error(err))
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func buildChunker(cfg settings, log *zap.Logger) (*chunker.Chunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	method, err := encryption.ParseMethod(cfg.Method)
	if err != nil {
		return nil, err
	}
	opts := chunker.Options{
		Method:      method,
		Concurrency: cfg.Concurrency,
		Logger:      log,
	}
	if cfg.Key != "" {
		key, err := encryption.ParseKey(cfg.Key)
		if err != nil {
			return nil, err
		}
		opts.Key = &key
	}
	return chunker.New(cfg.ChunkSize, opts), nil
}

func buildBlobStore(root string) (blob.Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("--root is required")
	}
	return blob.NewPathStore(root)
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "shardian",
		Short:         "Content-addressed file chunker with optional chunk encryption",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.init()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("shardian")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "shardian"))
		}
	}
	viper.SetEnvPrefix("SHARDIAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.Int("chunk-size", defaultChunkSize, "chunk size in bytes")
	flags.String("key", "", "hex-encoded 32-byte key; enables chunk encryption")
	flags.String("method", string(encryption.MethodAES256GCM), "AEAD: aes-256-gcm|chacha20-poly1305")
	flags.Int("concurrency", 0, "parallel chunk workers (0 uses GOMAXPROCS)")
	flags.String("root", filepath.Join(".shardian", "chunks"), "blob storage root")
	flags.String("index", filepath.Join(".shardian", "index.db"), "path to the bbolt manifest index")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "console", "log format: console|json")

	bindConfig("chunk_size", flags.Lookup("chunk-size"))
	bindConfig("key", flags.Lookup("key"))
	bindConfig("method", flags.Lookup("method"))
	bindConfig("concurrency", flags.Lookup("concurrency"))
	bindConfig("root", flags.Lookup("root"))
	bindConfig("index", flags.Lookup("index"))
	bindConfig("log_level", flags.Lookup("log-level"))
	bindConfig("log_format", flags.Lookup("log-format"))
}

func initCommands() {
	rootCmd.AddCommand(
		newSplitCmd(),
		newManifestCmd(),
		newVerifyCmd(),
		newPutCmd(),
		newGetCmd(),
		newLsCmd(),
		newRmCmd(),
		newGCCmd(),
		newKeygenCmd(),
	)
}
