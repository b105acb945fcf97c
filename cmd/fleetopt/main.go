// Command fleetopt plans routes for deliveries and vehicles read from CSV
// files and prints the solution as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fleetopt/internal/api"
	"fleetopt/internal/config"
	"fleetopt/internal/export"
	"fleetopt/internal/integrations"
	"fleetopt/internal/integrations/csvfile"
	"fleetopt/internal/logging"
	"fleetopt/internal/model"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "fleetopt:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("fleetopt", flag.ContinueOnError)
	deliveries := fs.String("deliveries", "", "CSV file of deliveries (required)")
	vehicles := fs.String("vehicles", "", "CSV file of vehicles (required)")
	depot := fs.String("depot", "", "depot as lat,lng (required)")
	strategy := fs.String("strategy", "", "auto, savings, genetic or hybrid")
	operators := fs.String("operators", "", "comma separated local-search operators; \"none\" disables polishing")
	budget := fs.Duration("budget", 0, "time budget, e.g. 5s")
	seed := fs.Int64("seed", 0, "random seed for the genetic and annealing search")
	timeWindows := fs.Bool("time-windows", false, "enforce delivery time windows")
	out := fs.String("out", "", "write JSON here instead of stdout")
	xlsx := fs.String("xlsx", "", "also write an Excel workbook to this path")
	db := fs.String("db", "", "save the solution to this SQLite database")
	verbose := fs.Bool("v", false, "log to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *deliveries == "" || *vehicles == "" || *depot == "" {
		fs.Usage()
		return errors.New("-deliveries, -vehicles and -depot are required")
	}
	_ = godotenv.Load()

	depotPt, err := parsePoint(*depot)
	if err != nil {
		return err
	}
	cfg := config.Default()
	cfg.Storage.SQLitePath = *db
	cfg.Optimizer.MaxTimeBudget = 0
	log := logging.Noop()
	if *verbose {
		log = logging.New(logging.Config{Level: "debug", Format: "text", Output: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	src := csvfile.Adapter{DeliveriesPath: *deliveries, VehiclesPath: *vehicles}
	req, err := integrations.Request(ctx, depotPt, src, src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src.Name(), err)
	}
	req.Strategy = *strategy
	req.Seed = *seed
	req.Constraints.TimeWindows = *timeWindows
	if *budget > 0 {
		req.TimeBudgetMs = int(*budget / time.Millisecond)
	}
	switch *operators {
	case "":
	case "none":
		req.Operators = []string{}
	default:
		req.Operators = strings.Split(*operators, ",")
	}

	srv, err := api.NewServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer srv.Shutdown(context.Background())

	sol, err := srv.Optimize(ctx, req)
	if err != nil {
		return err
	}
	if *xlsx != "" {
		if err := writeXLSX(*xlsx, sol); err != nil {
			return err
		}
	}
	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sol)
}

func parsePoint(s string) (model.GeoPoint, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return model.GeoPoint{}, fmt.Errorf("depot %q: want lat,lng", s)
	}
	var p model.GeoPoint
	var err error
	if p.Lat, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return model.GeoPoint{}, fmt.Errorf("depot latitude: %w", err)
	}
	if p.Lng, err = strconv.ParseFloat(strings.TrimSpace(lng), 64); err != nil {
		return model.GeoPoint{}, fmt.Errorf("depot longitude: %w", err)
	}
	return p, nil
}

func writeXLSX(path string, sol model.Solution) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.WriteXLSX(f, sol); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
