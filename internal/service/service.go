// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/wneessen/lastfix/internal/config"
	"github.com/wneessen/lastfix/internal/geobus"
	"github.com/wneessen/lastfix/internal/lastfix"
	"github.com/wneessen/lastfix/internal/locator"
	"github.com/wneessen/lastfix/internal/logger"
)

const (
	OutputClass   = "lastfix"
	subBufferSize = 32
)

type outputData struct {
	Text    string `json:"text"`
	Tooltip string `json:"tooltip"`
	Class   string `json:"class"`
}

// Service periodically selects the best last known location and prints it as waybar module
// output. Fresh locations requested by the selection are printed as soon as they arrive.
type Service struct {
	config    *config.Config
	geobus    *geobus.GeoBus
	locator   *locator.Manager
	finder    *lastfix.Finder
	logger    *logger.Logger
	scheduler gocron.Scheduler
	SignalSrc signalSource

	outputLock sync.Mutex
	output     io.Writer

	// sleepMonitor watches for system resume events, it defaults to monitorSleepResume.
	sleepMonitor func(context.Context)
}

func New(conf *config.Config, log *logger.Logger) (*Service, error) {
	if conf == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	bus, err := geobus.New(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create geobus: %w", err)
	}

	service := &Service{
		config:    conf,
		geobus:    bus,
		logger:    log,
		scheduler: scheduler,
		SignalSrc: stdLibSignalSource{},
		output:    os.Stdout,
	}
	service.sleepMonitor = service.monitorSleepResume

	providers, err := service.selectGeobusProviders()
	if err != nil {
		return nil, fmt.Errorf("failed to create geobus providers: %w", err)
	}
	service.locator, err = locator.New(bus, providers, log, conf.Intervals.SingleUpdate)
	if err != nil {
		return nil, fmt.Errorf("failed to create locator: %w", err)
	}
	service.finder, err = lastfix.New(service.locator, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create location finder: %w", err)
	}
	service.finder.SetChangedLocationListener(lastfix.ListenerFunc(service.onFreshLocation))

	return service, nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.createScheduledJob(ctx, s.config.Intervals.Output, s.printLocation,
		"location_output_job"); err != nil {
		return err
	}
	s.scheduler.Start()

	// Keep the last known results of all providers up to date
	go s.locator.Run(ctx)

	sub, unsub := s.geobus.SubscribeAll(subBufferSize)
	go s.processLocationUpdates(ctx, sub)
	go s.sleepMonitor(ctx)

	sigChan := make(chan os.Signal, 1)
	s.SignalSrc.Notify(sigChan, syscall.SIGUSR1)
	go s.HandleSignals(ctx, sigChan)

	// Wait for the context to cancel
	<-ctx.Done()
	s.SignalSrc.Stop(sigChan)
	unsub()
	s.finder.Cancel()
	return s.scheduler.Shutdown()
}

func (s *Service) createScheduledJob(ctx context.Context, interval time.Duration, task func(context.Context),
	jobName string,
) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithName(jobName),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", jobName, err)
	}
	return nil
}

// printLocation selects the best last known location with the configured freshness and prints it.
func (s *Service) printLocation(context.Context) {
	s.selectAndPrint(s.config.MinTime(time.Now()))
}

// refresh selects the best last known location but treats every cached location as stale, so
// a fresh location is always requested.
func (s *Service) refresh(context.Context) {
	s.selectAndPrint(time.Now())
}

func (s *Service) selectAndPrint(minTime time.Time) {
	r, ok := s.finder.LastBestLocation(s.config.Selection.MinDistance, minTime)
	if !ok {
		s.logger.Debug("no location known yet, waiting for providers")
		return
	}
	s.print(r)
}

// onFreshLocation receives the single location updates requested by the finder.
func (s *Service) onFreshLocation(r geobus.Result) {
	s.logger.Debug("received fresh location", slog.String("source", r.Source),
		slog.Float64("accuracy", r.AccuracyMeters))
	s.print(r)
}

func (s *Service) print(r geobus.Result) {
	output := outputData{
		Text: fmt.Sprintf("%.4f, %.4f", r.Lat, r.Lon),
		Tooltip: fmt.Sprintf("Source: %s\nAccuracy: %.0f m\nAge: %s", r.Source, r.AccuracyMeters,
			time.Since(r.At).Round(time.Second)),
		Class: OutputClass,
	}

	s.outputLock.Lock()
	defer s.outputLock.Unlock()
	if err := json.NewEncoder(s.output).Encode(output); err != nil {
		s.logger.Error("failed to encode location output", logger.Err(err))
	}
}

// processLocationUpdates logs every significant location update published on the geobus.
func (s *Service) processLocationUpdates(ctx context.Context, sub <-chan geobus.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-sub:
			if !ok {
				return
			}
			s.logger.Debug("received geolocation update", slog.Float64("lat", r.Lat),
				slog.Float64("lon", r.Lon), slog.Float64("accuracy", r.AccuracyMeters),
				slog.String("source", r.Source))
		}
	}
}
