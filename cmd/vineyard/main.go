package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/vineyard/internal/analytics"
	"github.com/lox/vineyard/internal/api"
	"github.com/lox/vineyard/internal/dashboard"
	"github.com/lox/vineyard/internal/ndvi"
	"github.com/lox/vineyard/internal/scheduler"
	"github.com/lox/vineyard/internal/sentinelhub"
	"github.com/lox/vineyard/internal/sources"
	"github.com/lox/vineyard/internal/store"
	"github.com/lox/vineyard/internal/window"
)

type Globals struct {
	DB        string  `help:"Path to SQLite database." default:"data/vineyard.db" env:"VINEYARD_DB" type:"path"`
	WaterRate float64 `help:"Water cost per gallon." default:"0" env:"VINEYARD_WATER_RATE"`

	SentinelClientID     string        `help:"Sentinel Hub OAuth client id." env:"SENTINEL_HUB_CLIENT_ID"`
	SentinelClientSecret string        `help:"Sentinel Hub OAuth client secret." env:"SENTINEL_HUB_CLIENT_SECRET"`
	SentinelBaseURL      string        `help:"Sentinel Hub base URL." default:"https://services.sentinel-hub.com" env:"SENTINEL_HUB_BASE_URL"`
	SentinelTimeout      time.Duration `help:"Timeout for each Sentinel Hub request." default:"30s" env:"SENTINEL_HUB_TIMEOUT"`
	MaxCloudCoverage     float64       `help:"Maximum scene cloud coverage (percent)." default:"30" env:"SENTINEL_HUB_MAX_CLOUD"`
	NDVIConcurrency      int           `help:"Maximum concurrent NDVI queries." default:"8" env:"VINEYARD_NDVI_CONCURRENCY"`
}

type CLI struct {
	Globals

	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the API server and refresh scheduler."`
	Report  ReportCmd  `cmd:"" help:"Print an analytics report as JSON."`
	NDVI    NDVICmd    `cmd:"" name:"ndvi" help:"Run the NDVI pipeline once and print the series as JSON."`
	Migrate MigrateCmd `cmd:"" help:"Apply database migrations and exit."`
}

type ServeCmd struct {
	Port              string        `help:"HTTP server port." default:"8080" env:"PORT"`
	NoPoll            bool          `help:"Disable the refresh scheduler (server only, for local dev)."`
	Period            string        `help:"Reporting period refreshed by the scheduler." default:"ytd" enum:"month,quarter,ytd,year"`
	AnalyticsInterval time.Duration `help:"How often analytics are recomputed." default:"15m"`
	NDVIInterval      time.Duration `help:"How often the field set is checked for NDVI changes." default:"6h" name:"ndvi-interval"`
}

type ReportCmd struct {
	Period string `help:"Reporting period." default:"ytd" enum:"month,quarter,ytd,year"`
	Year   int    `help:"Reference year (defaults to the current year)."`
}

type NDVICmd struct {
	Year  int  `help:"Year to query (defaults to the current year)."`
	Force bool `help:"Run even when the field set is unchanged."`
}

type MigrateCmd struct{}

type app struct {
	store *store.Store
	svc   *dashboard.Service
}

func (g *Globals) open() (*app, error) {
	st, err := store.Open(g.DB)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	client := sentinelhub.NewClient(sentinelhub.Config{
		ClientID:         g.SentinelClientID,
		ClientSecret:     g.SentinelClientSecret,
		BaseURL:          g.SentinelBaseURL,
		Timeout:          g.SentinelTimeout,
		MaxCloudCoverage: g.MaxCloudCoverage,
	})
	if !client.Configured() {
		log.Println("sentinel hub credentials not set, NDVI disabled")
	}

	orch := ndvi.New(client, g.NDVIConcurrency)
	svc := dashboard.New(sources.NewLoader(st), orch, st, analytics.Options{WaterRatePerGallon: g.WaterRate})
	return &app{store: st, svc: svc}, nil
}

func (c *ServeCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !c.NoPoll {
		sched := scheduler.New(a.svc, window.Period(c.Period))
		sched.SetIntervals(c.AnalyticsInterval, c.NDVIInterval)
		go sched.Run(ctx)
	} else {
		log.Println("polling disabled (--no-poll)")
	}

	server := api.NewServer(a.svc, c.Port)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (c *ReportCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.store.Close()

	year := c.Year
	if year == 0 {
		year = time.Now().Year()
	}
	report, err := a.svc.Report(context.Background(), window.Window{Period: window.Period(c.Period), Year: year})
	if err != nil {
		return err
	}
	if report.Incomplete() {
		log.Printf("report is incomplete, degraded sources: %v", report.Degraded)
	}
	return printJSON(api.NewAnalyticsView(report))
}

func (c *NDVICmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	year := c.Year
	if year == 0 {
		year = time.Now().Year()
	}
	res, err := a.svc.RefreshNDVI(ctx, year, c.Force)
	if err != nil {
		return err
	}
	return printJSON(api.NewNDVIView(year, true, a.svc.NDVI(), res))
}

func (c *MigrateCmd) Run(g *Globals) error {
	st, err := store.Open(g.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	version, err := st.MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("database at version %d", version)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("vineyard"),
		kong.Description("Vineyard cost, yield and NDVI analytics."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
