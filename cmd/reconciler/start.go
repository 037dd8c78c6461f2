package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dipforum/reconciler/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func start(ctx *cli.Context) error {
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	printVersion()

	var metricsServer *http.Server
	if a.repo.Config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              a.repo.Config.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Errorf("metrics listener: %s", err)
			}
		}()
		a.logger.Infof("metrics listening on %s", a.repo.Config.Metrics.ListenAddr)
	}

	s := scheduler.New(a.repo.Config.Scheduler, a.engine, a.logger.WithField("module", "scheduler"), prometheus.DefaultRegisterer)
	if err := s.Start(); err != nil {
		return fmt.Errorf("start scheduler failed: %w", err)
	}
	s.Sweep(ctx.Context)

	fmt.Println("=============Reconciler is ready=============")

	var wg sync.WaitGroup
	wg.Add(1)
	handleShutdown(s, metricsServer, &wg)
	wg.Wait()

	return nil
}

func handleShutdown(s *scheduler.Scheduler, metricsServer *http.Server, wg *sync.WaitGroup) {
	var stop = make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM)
	signal.Notify(stop, syscall.SIGINT)

	go func() {
		<-stop
		fmt.Println("received interrupt signal, shutting down...")
		s.Stop()
		if metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(ctx)
		}
		wg.Done()
	}()
}
