// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

//go:build linux

// Package main implements the lastfix service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wneessen/lastfix/internal/config"
	"github.com/wneessen/lastfix/internal/logger"
	"github.com/wneessen/lastfix/internal/service"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGABRT, os.Interrupt)
	defer cancel()

	// Initialize Logger
	log := logger.New(slog.LevelError)

	confPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	// Read the given config file or look for one in the user config directory
	var conf *config.Config
	var err error
	if *confPath != "" {
		conf, err = config.NewFromFile(filepath.Dir(*confPath), filepath.Base(*confPath))
	} else {
		conf, err = config.Find()
	}
	if err != nil {
		log.Error("failed to load config", logger.Err(err))
		os.Exit(1)
	}
	log = logger.New(conf.LogLevel)

	// Initialize the service
	serv, err := service.New(conf, log)
	if err != nil {
		log.Error("failed to initialize lastfix service", logger.Err(err))
		os.Exit(1)
	}

	// Start the service loop
	log.Info("starting lastfix service", slog.String("version", version),
		slog.String("commit", commit), slog.String("date", date))
	if err = serv.Run(ctx); err != nil {
		log.Error("failed to run lastfix service", logger.Err(err))
	}
	log.Info("shutting down lastfix service")
}
