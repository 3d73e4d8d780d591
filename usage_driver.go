package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	triflestats "github.com/trifle-io/trifle_stats_go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	_ "modernc.org/sqlite"
)

const defaultUsageTable = "appsignal_mcp_usage"

type usageOptions struct {
	Driver        string
	DBPath        string
	DSN           string
	Host          string
	Port          string
	User          string
	Password      string
	Database      string
	Table         string
	Collection    string
	Prefix        string
	Joined        string
	Separator     string
	TimeZone      string
	WeekStart     string
	Granularities string
}

// usageStore is an opened trifle stats backend for tool usage.
type usageStore struct {
	Config     *triflestats.Config
	DriverName string
	TableName  string
	setupFn    func() error
	closeFn    func() error
}

func (s *usageStore) Setup() error {
	if s == nil || s.setupFn == nil {
		return nil
	}
	return s.setupFn()
}

func (s *usageStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func addUsageFlags(fs *pflag.FlagSet, opts *usageOptions) {
	fs.StringVar(&opts.Driver, "usage-driver", "", "Usage driver: sqlite|postgres|mysql|redis|mongo (or APPSIGNAL_USAGE_DRIVER)")
	fs.StringVar(&opts.DBPath, "usage-db", "", "SQLite database path (or APPSIGNAL_USAGE_DB)")
	fs.StringVar(&opts.DSN, "usage-dsn", "", "Usage driver DSN/URI (or APPSIGNAL_USAGE_DSN)")
	fs.StringVar(&opts.Host, "usage-host", "", "Usage driver host (or APPSIGNAL_USAGE_HOST)")
	fs.StringVar(&opts.Port, "usage-port", "", "Usage driver port (or APPSIGNAL_USAGE_PORT)")
	fs.StringVar(&opts.User, "usage-user", "", "Usage driver user (or APPSIGNAL_USAGE_USER)")
	fs.StringVar(&opts.Password, "usage-password", "", "Usage driver password (or APPSIGNAL_USAGE_PASSWORD)")
	fs.StringVar(&opts.Database, "usage-database", "", "Usage driver database (or APPSIGNAL_USAGE_DATABASE)")
	fs.StringVar(&opts.Table, "usage-table", "", "Usage table name (or APPSIGNAL_USAGE_TABLE)")
	fs.StringVar(&opts.Collection, "usage-collection", "", "Mongo collection (or APPSIGNAL_USAGE_COLLECTION)")
	fs.StringVar(&opts.Prefix, "usage-prefix", "", "Redis key prefix (or APPSIGNAL_USAGE_PREFIX)")
	fs.StringVar(&opts.Joined, "usage-joined", "", "Identifier mode: full|partial|separated (or APPSIGNAL_USAGE_JOINED)")
	fs.StringVar(&opts.Separator, "usage-separator", "", "Key separator (or APPSIGNAL_USAGE_SEPARATOR)")
	fs.StringVar(&opts.TimeZone, "usage-timezone", "", "Usage time zone (or APPSIGNAL_USAGE_TIMEZONE)")
	fs.StringVar(&opts.WeekStart, "usage-week-start", "", "Week start day (or APPSIGNAL_USAGE_WEEK_START)")
	fs.StringVar(&opts.Granularities, "usage-granularities", "", "Comma-separated granularities (or APPSIGNAL_USAGE_GRANULARITIES)")
}

func resolveUsageOptions(fs *pflag.FlagSet, flags *usageOptions, cfg usageConfig) usageOptions {
	return usageOptions{
		Driver:        pickFlag(fs, "usage-driver", flags.Driver, "APPSIGNAL_USAGE_DRIVER", cfg.Driver, ""),
		DBPath:        pickFlag(fs, "usage-db", flags.DBPath, "APPSIGNAL_USAGE_DB", cfg.DB, ""),
		DSN:           pickFlag(fs, "usage-dsn", flags.DSN, "APPSIGNAL_USAGE_DSN", cfg.DSN, ""),
		Host:          pickFlag(fs, "usage-host", flags.Host, "APPSIGNAL_USAGE_HOST", cfg.Host, ""),
		Port:          pickFlag(fs, "usage-port", flags.Port, "APPSIGNAL_USAGE_PORT", cfg.Port, ""),
		User:          pickFlag(fs, "usage-user", flags.User, "APPSIGNAL_USAGE_USER", cfg.User, ""),
		Password:      pickFlag(fs, "usage-password", flags.Password, "APPSIGNAL_USAGE_PASSWORD", cfg.Password, ""),
		Database:      pickFlag(fs, "usage-database", flags.Database, "APPSIGNAL_USAGE_DATABASE", cfg.Database, ""),
		Table:         pickFlag(fs, "usage-table", flags.Table, "APPSIGNAL_USAGE_TABLE", cfg.Table, defaultUsageTable),
		Collection:    pickFlag(fs, "usage-collection", flags.Collection, "APPSIGNAL_USAGE_COLLECTION", cfg.Collection, ""),
		Prefix:        pickFlag(fs, "usage-prefix", flags.Prefix, "APPSIGNAL_USAGE_PREFIX", cfg.Prefix, "appsignal_mcp"),
		Joined:        pickFlag(fs, "usage-joined", flags.Joined, "APPSIGNAL_USAGE_JOINED", cfg.Joined, "full"),
		Separator:     pickFlag(fs, "usage-separator", flags.Separator, "APPSIGNAL_USAGE_SEPARATOR", cfg.Separator, "::"),
		TimeZone:      pickFlag(fs, "usage-timezone", flags.TimeZone, "APPSIGNAL_USAGE_TIMEZONE", cfg.TimeZone, "UTC"),
		WeekStart:     pickFlag(fs, "usage-week-start", flags.WeekStart, "APPSIGNAL_USAGE_WEEK_START", cfg.WeekStart, "monday"),
		Granularities: pickFlag(fs, "usage-granularities", flags.Granularities, "APPSIGNAL_USAGE_GRANULARITIES", cfg.Granularities.Joined(), ""),
	}
}

func usageEnabled(opts usageOptions) bool {
	return isUsageDriver(opts.Driver)
}

func isUsageDriver(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "postgres", "mysql", "redis", "mongo", "mongodb":
		return true
	default:
		return false
	}
}

func normalizeDriverName(name string) string {
	value := strings.ToLower(strings.TrimSpace(name))
	if value == "mongodb" {
		return "mongo"
	}
	return value
}

// openUsageStore builds the trifle stats configuration for opts. Writes are
// synchronous; each tool call is tracked once when it finishes.
func openUsageStore(opts *usageOptions) (*usageStore, error) {
	if opts == nil {
		return nil, fmt.Errorf("usage options required")
	}

	driverName := normalizeDriverName(opts.Driver)
	if !isUsageDriver(driverName) {
		return nil, fmt.Errorf("unsupported usage driver: %q (expected sqlite, postgres, mysql, redis or mongo)", opts.Driver)
	}

	joined, err := parseJoinedIdentifier(opts.Joined)
	if err != nil {
		return nil, err
	}
	weekStart, err := parseWeekday(opts.WeekStart)
	if err != nil {
		return nil, err
	}

	cfg := triflestats.DefaultConfig()
	cfg.TimeZone = opts.TimeZone
	cfg.Separator = opts.Separator
	cfg.JoinedIdentifier = joined
	cfg.BeginningOfWeek = weekStart
	cfg.Granularities = parseGranularities(opts.Granularities)
	cfg.BufferEnabled = false

	store := &usageStore{
		Config:     cfg,
		DriverName: driverName,
		TableName:  strings.TrimSpace(opts.Table),
	}

	switch driverName {
	case "sqlite":
		if strings.TrimSpace(opts.DBPath) == "" {
			return nil, fmt.Errorf("--usage-db is required for sqlite driver")
		}
		db, err := sql.Open("sqlite", opts.DBPath)
		if err != nil {
			return nil, err
		}
		driver := triflestats.NewSQLiteDriver(db, opts.Table, joined)
		driver.Separator = opts.Separator
		cfg.Driver = driver
		store.setupFn = driver.Setup
		store.closeFn = db.Close
		store.TableName = driver.TableName
		return store, nil

	case "postgres":
		db, err := sql.Open("pgx", buildPostgresDSN(opts))
		if err != nil {
			return nil, err
		}
		driver := triflestats.NewPostgresDriver(db, opts.Table, joined)
		driver.Separator = opts.Separator
		cfg.Driver = driver
		store.setupFn = driver.Setup
		store.closeFn = db.Close
		store.TableName = driver.TableName
		return store, nil

	case "mysql":
		db, err := sql.Open("mysql", buildMySQLDSN(opts))
		if err != nil {
			return nil, err
		}
		driver := triflestats.NewMySQLDriver(db, opts.Table, joined)
		driver.Separator = opts.Separator
		cfg.Driver = driver
		store.setupFn = driver.Setup
		store.closeFn = db.Close
		store.TableName = driver.TableName
		return store, nil

	case "redis":
		client, err := buildRedisClient(opts)
		if err != nil {
			return nil, err
		}
		driver := triflestats.NewRedisDriver(client, strings.TrimSpace(opts.Prefix))
		driver.Separator = opts.Separator
		cfg.Driver = driver
		store.closeFn = client.Close
		store.TableName = strings.TrimSpace(opts.Prefix)
		return store, nil

	case "mongo":
		client, databaseName, collectionName, err := buildMongoCollection(opts)
		if err != nil {
			return nil, err
		}
		collection := client.Database(databaseName).Collection(collectionName)
		driver := triflestats.NewMongoDriver(collection, joined)
		driver.Separator = opts.Separator
		cfg.Driver = driver
		store.setupFn = func() error {
			return driver.Setup(context.Background())
		}
		store.closeFn = func() error {
			return client.Disconnect(context.Background())
		}
		store.TableName = collectionName
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported usage driver: %s", driverName)
	}
}

func buildPostgresDSN(opts *usageOptions) string {
	if strings.TrimSpace(opts.DSN) != "" {
		return strings.TrimSpace(opts.DSN)
	}

	host := firstNonEmpty(opts.Host, "127.0.0.1")
	port := firstNonEmpty(opts.Port, "5432")
	user := firstNonEmpty(opts.User, "postgres")
	password := firstNonEmpty(opts.Password, "password")
	database := resolveDatabaseName(opts, "appsignal_mcp")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		url.QueryEscape(user),
		url.QueryEscape(password),
		host,
		port,
		url.PathEscape(database),
	)
}

func buildMySQLDSN(opts *usageOptions) string {
	if strings.TrimSpace(opts.DSN) != "" {
		return strings.TrimSpace(opts.DSN)
	}

	host := firstNonEmpty(opts.Host, "127.0.0.1")
	port := firstNonEmpty(opts.Port, "3306")
	user := firstNonEmpty(opts.User, "root")
	password := firstNonEmpty(opts.Password, "password")
	database := resolveDatabaseName(opts, "appsignal_mcp")

	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
		user,
		password,
		host,
		port,
		database,
	)
}

func buildRedisClient(opts *usageOptions) (*redis.Client, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn != "" {
		if strings.Contains(dsn, "://") {
			parsed, err := redis.ParseURL(dsn)
			if err != nil {
				return nil, err
			}
			return redis.NewClient(parsed), nil
		}
		return redis.NewClient(&redis.Options{Addr: dsn}), nil
	}

	addr := net.JoinHostPort(firstNonEmpty(opts.Host, "127.0.0.1"), firstNonEmpty(opts.Port, "6379"))
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.User),
		Password: strings.TrimSpace(opts.Password),
		DB:       parseIntOrDefault(opts.Database, 0),
	}), nil
}

func buildMongoCollection(opts *usageOptions) (*mongo.Client, string, string, error) {
	uri := strings.TrimSpace(opts.DSN)
	if uri == "" {
		uri = firstNonEmpty(opts.Host, "mongodb://127.0.0.1:27017")
		if !strings.Contains(uri, "://") {
			uri = "mongodb://" + uri
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, "", "", err
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, "", "", err
	}

	databaseName := resolveDatabaseName(opts, "appsignal_mcp")
	collectionName := firstNonEmpty(strings.TrimSpace(opts.Collection), strings.TrimSpace(opts.Table), defaultUsageTable)
	return client, databaseName, collectionName, nil
}

func resolveDatabaseName(opts *usageOptions, fallback string) string {
	if opts == nil {
		return fallback
	}
	if strings.TrimSpace(opts.Database) != "" {
		return strings.TrimSpace(opts.Database)
	}
	if strings.TrimSpace(opts.DBPath) != "" && normalizeDriverName(opts.Driver) != "sqlite" {
		return strings.TrimSpace(opts.DBPath)
	}
	return fallback
}

func parseGranularities(input string) []string {
	return normalizeStringList(strings.Split(strings.TrimSpace(input), ","))
}

func parseWeekday(input string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "monday", "mon", "":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	case "sunday", "sun":
		return time.Sunday, nil
	default:
		return time.Monday, fmt.Errorf("invalid week-start: %s", input)
	}
}

func parseJoinedIdentifier(input string) (triflestats.JoinedIdentifier, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "full", "":
		return triflestats.JoinedFull, nil
	case "partial":
		return triflestats.JoinedPartial, nil
	case "separated", "none", "null":
		return triflestats.JoinedSeparated, nil
	default:
		return triflestats.JoinedFull, fmt.Errorf("invalid joined mode: %s", input)
	}
}

// maybeSuggestSetup points at `usage setup` when the backing table is missing.
func maybeSuggestSetup(err error, driverName, targetName string) error {
	if err == nil {
		return nil
	}
	message := err.Error()
	messageLower := strings.ToLower(message)

	if !strings.Contains(messageLower, "no such table") &&
		!strings.Contains(messageLower, "doesn't exist") &&
		!strings.Contains(messageLower, "relation") {
		return err
	}

	normalizedDriver := normalizeDriverName(driverName)
	switch normalizedDriver {
	case "sqlite", "postgres", "mysql":
		if strings.TrimSpace(targetName) == "" {
			targetName = defaultUsageTable
		}
		return fmt.Errorf("%s (run: %s usage setup --usage-driver %s --usage-table %s)", message, binaryName, normalizedDriver, targetName)
	case "mongo":
		return fmt.Errorf("%s (run: %s usage setup --usage-driver mongo)", message, binaryName)
	}
	return err
}
