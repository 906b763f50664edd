package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go-idmlock/database"
	"go-idmlock/idm"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
)

// Config is the resolved node configuration. Every field can be set by flag
// or by an IDM_<FLAG> environment variable (IDM_LOCK_TIMEOUT=30s).
type Config struct {
	Backend         string
	DatabaseURL     string
	Table           string
	Drives          []string
	Lock            idm.LockID
	Host            idm.HostID
	Mode            idm.Mode
	LockTimeout     time.Duration
	PoolSize        int
	CommandTimeout  time.Duration
	MajorityTimeout time.Duration
	MetricsAddr     string
	LogLevel        slog.Level
	KillPath        string
	KillSignal      unix.Signal
	KillPID         int
}

func setupFlags(cmd *cobra.Command) {
	var flags = cmd.Flags()
	flags.String("backend", backendMemory, "Drive backend: memory or postgres")
	flags.String("db", database.DefaultTestURL, "PostgreSQL connection URL (postgres backend)")
	flags.String("table", "idm", "Table prefix of the emulated drives (postgres backend)")
	flags.String("drives", "/dev/sg1,/dev/sg2,/dev/nvme0n1", "Comma-separated drive paths backing the lock")
	flags.String("vg", "", "Volume group uuid of the lock id (random when empty)")
	flags.String("lv", "", "Logical volume uuid of the lock id (random when empty)")
	flags.String("host-id", "", "Host id as 64 hex characters (generated when empty)")
	flags.String("mode", "exclusive", "Lock mode: exclusive or shareable")
	flags.Duration("lock-timeout", 10*time.Second, "Lease timeout of the lock")
	flags.Int("pool-size", 8, "Workers serving drives without native async submission")
	flags.Duration("command-timeout", 5*time.Second, "Deadline of one quorum round")
	flags.Duration("majority-timeout", 5*time.Second, "How long acquire retries split votes")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (disabled when empty)")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("kill-path", "", "Program run with the lock id when the lease is lost")
	flags.Int("kill-signal", 0, "Signal sent to --kill-pid when the lease is lost")
	flags.Int("kill-pid", 0, "Process signalled when the lease is lost")
}

// initConfig loads .env files and maps IDM_* environment variables onto flags.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("idm")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func processConfig(cmd *cobra.Command) (*Config, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	var conf = &Config{
		Backend:         viper.GetString("backend"),
		DatabaseURL:     viper.GetString("db"),
		Table:           viper.GetString("table"),
		LockTimeout:     viper.GetDuration("lock-timeout"),
		PoolSize:        viper.GetInt("pool-size"),
		CommandTimeout:  viper.GetDuration("command-timeout"),
		MajorityTimeout: viper.GetDuration("majority-timeout"),
		MetricsAddr:     viper.GetString("metrics-addr"),
		KillPath:        viper.GetString("kill-path"),
		KillSignal:      unix.Signal(viper.GetInt("kill-signal")),
		KillPID:         viper.GetInt("kill-pid"),
	}

	switch conf.Backend {
	case backendMemory, backendPostgres:
	default:
		return nil, fmt.Errorf("invalid backend %q (expected %s or %s)", conf.Backend, backendMemory, backendPostgres)
	}

	for _, d := range strings.Split(viper.GetString("drives"), ",") {
		if d = strings.TrimSpace(d); d != "" {
			conf.Drives = append(conf.Drives, d)
		}
	}

	var err error
	if conf.Lock, err = parseLock(viper.GetString("vg"), viper.GetString("lv")); err != nil {
		return nil, err
	}

	if raw := viper.GetString("host-id"); raw != "" {
		if conf.Host, err = idm.ParseHostID(raw); err != nil {
			return nil, err
		}
	}

	if conf.Mode, err = idm.ParseMode(viper.GetString("mode")); err != nil {
		return nil, err
	}

	if err := conf.LogLevel.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	return conf, nil
}

func parseLock(vg, lv string) (idm.LockID, error) {
	var parse = func(name, raw string) (uuid.UUID, error) {
		if raw == "" {
			return uuid.New(), nil
		}
		var u, err = uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid %s uuid %q: %w", name, raw, err)
		}
		return u, nil
	}

	var vgID, err = parse("vg", vg)
	if err != nil {
		return idm.LockID{}, err
	}
	lvID, err := parse("lv", lv)
	if err != nil {
		return idm.LockID{}, err
	}
	return idm.NewLockID(vgID, lvID)
}

func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend=%s", c.Backend)
	if c.Backend == backendPostgres {
		fmt.Fprintf(&b, " table=%s", c.Table)
	}
	fmt.Fprintf(&b, " drives=%s lock=%s mode=%s lock_timeout=%s", strings.Join(c.Drives, ","), c.Lock, c.Mode, c.LockTimeout)
	fmt.Fprintf(&b, " pool_size=%d command_timeout=%s majority_timeout=%s", c.PoolSize, c.CommandTimeout, c.MajorityTimeout)
	if c.MetricsAddr != "" {
		fmt.Fprintf(&b, " metrics=%s", c.MetricsAddr)
	}
	return b.String()
}
