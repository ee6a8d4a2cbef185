package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"mrindex/internal/config"
	"mrindex/internal/mapreduce"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Fatal("env")
	}
	app := &cli.App{
		Name:  "demo",
		Usage: "walk through the document store and the company order totals indexes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   "./data",
				Usage:   "directory holding docs.db",
				EnvVars: []string{config.EnvPrefix + "DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				EnvVars: []string{config.EnvPrefix + "LOG_LEVEL"},
			},
			&cli.IntFlag{
				Name:  "seed-orders",
				Value: 200,
				Usage: "orders to generate when the store is empty, 0 disables",
			},
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			{
				Name:   "basics",
				Usage:  "store a company if missing, run a simple query and a query with include",
				Action: BasicsAction,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "country", Value: cli.NewStringSlice("France", "Israel")},
					&cli.IntFlag{Name: "min-year", Value: 1998},
					&cli.IntFlag{Name: "limit", Value: 5},
				},
			},
			{
				Name:   "totals",
				Usage:  "index every order and print the top companies by order total",
				Action: TotalsAction,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 3},
					&cli.StringSliceFlag{
						Name:  "index",
						Value: cli.NewStringSlice(mapreduce.CompanyOrderTotals.Name, mapreduce.CompanyOrderTotalsByOrder.Name),
					},
				},
			},
			{
				Name:   "reindex",
				Usage:  "rebuild an index from scratch and compare it with incremental maintenance",
				Action: ReindexAction,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "index", Value: mapreduce.CompanyOrderTotals.Name},
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("demo failed")
	}
}
