package main

import (
	"flag"

	"github.com/ghaggin/brochure/internal/config"
	"github.com/ghaggin/brochure/internal/db"
	"github.com/ghaggin/brochure/internal/livereload"
	"github.com/ghaggin/brochure/internal/middleware"
	"github.com/ghaggin/brochure/internal/sessionstore"
	"github.com/ghaggin/brochure/internal/site"
	"github.com/ghaggin/brochure/internal/sweeper"
	"github.com/ghaggin/brochure/internal/template"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	var configPath = flag.String("config", "", "optional path to a yaml config file")
	flag.Parse()

	newConfigPath := func() config.Path {
		return config.Path(*configPath)
	}

	app := fx.New(
		fx.Provide(
			newConfigPath,
			config.New,
			newLogger,
			db.New,
			sessionstore.New,
			middleware.NewSessionManager,
			template.New,
			sweeper.New,
			site.New,
			livereload.New,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(
			sweeper.RegisterHooks,
			site.RegisterHooks,
			livereload.RegisterHooks,
		),
	)

	app.Run()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
