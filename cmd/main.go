package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/bus"
	"github.com/LoveWonYoung/vxlcan/config"
	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/logrecorder"
	"github.com/LoveWonYoung/vxlcan/metrics"
)

const (
	program          = "can"
	metricsNamespace = "vxlcan"
	virtualChannels  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// openBackend selects the hardware backend named by CAN_DRIVER.
func openBackend(e config.Env, lg *zap.SugaredLogger) (driver.Backend, error) {
	opt := driver.WithLogger(lg.Named("driver"))
	switch e.Driver {
	case config.DriverVector:
		v, err := driver.NewVector(opt)
		if err != nil {
			return nil, err
		}
		return v, nil
	case config.DriverSocketCAN:
		return driver.NewSocketCAN("can", opt)
	case config.DriverSLCAN:
		if e.SerialPort == "" {
			return nil, errors.New("CAN_SERIAL_PORT is required for the slcan driver")
		}
		return driver.NewSLCAN(e.SerialPort, nil, opt), nil
	}
	return driver.NewVirtual(virtualChannels, opt), nil
}

func newLogger(e config.Env, verbose bool) (*logrecorder.Recorder, error) {
	now := time.Now()
	level, err := logrecorder.ParseLevel(e.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if verbose {
		level = zap.DebugLevel
	}
	opts := logrecorder.Options{Name: program, Level: level, Console: os.Stderr}
	if e.LogDir != "" {
		dir, err := logrecorder.MakeDir(e.LogDir, now)
		if err != nil {
			return nil, err
		}
		opts.Dir = dir
	}
	return logrecorder.New(opts, now)
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, lg *zap.SugaredLogger) {
	srv := http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	lg.Infow("serving http", "address", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		lg.Errorw("http server stopped", "error", err)
	}
}

// run is main without os.Exit so deferred cleanup happens.
func run(args []string) int {
	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	verbose := fs.Bool("v", false, "enable verbose output")
	channelFlag := fs.String("c", "", "the CAN channel to connect to")
	listen := fs.Bool("nl", false, "network mode: listen for commands on port 50000 + 2*channel")
	send := fs.Bool("ns", false, "send the remaining arguments as a command to an instance in network mode")
	watch := fs.Bool("watch", false, "reimport the database when the file changes")
	metricsAddr := fs.String("metrics", "", "address to serve /metrics and /command on")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	e, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *send {
		channel, err := resolveChannel(*channelFlag, e, func(string) (string, error) {
			return "", errors.New("please specify a CAN channel")
		}, zap.NewNop().Sugar())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		reply, err := networkSend(fmt.Sprintf("localhost:%d", networkPort(channel)), fs.Args())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if reply != "" {
			fmt.Println(reply)
		}
		return 0
	}

	rec, err := newLogger(e, *verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = rec.Close() }()
	lg := rec.Sugar()

	channel, err := resolveChannel(*channelFlag, e, terminalPrompt, lg)
	if err != nil {
		fmt.Println("Exiting...")
		return 0
	}
	baud, err := resolveBaud(e, terminalPrompt, lg)
	if err != nil {
		fmt.Println("Exiting...")
		return 0
	}

	backend, err := openBackend(e, lg)
	if err != nil {
		lg.Errorw("open backend", "driver", e.Driver, "error", err)
		return 1
	}

	registry := prometheus.NewRegistry()
	holder := metrics.New(registry, metricsNamespace)

	can := bus.New(backend, bus.WithLogger(lg.Named("bus")), bus.WithMetrics(holder))
	defer func() {
		if err := can.Close(); err != nil {
			lg.Warnw("close", "error", err)
		}
	}()
	ch, err := can.AddChannel(channel, baud, "")
	if err != nil {
		lg.Errorw("Unable to start without a CAN channel", "channel", channel, "error", err)
		return 1
	}
	dbPath := importDatabase(ch, e.DBCPath, terminalPrompt, lg)
	if dbPath == "" {
		lg.Info("Starting in CAN only mode")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := newCommander(can, ch, lg, holder, e.InitFile)
	defer cmd.close()

	if *watch && dbPath != "" {
		go monitorDatabase(ctx, lg, dbPath, ch)
	}

	addr := *metricsAddr
	if addr == "" {
		addr = e.MetricsAddr
	}
	if addr != "" {
		go serveHTTP(ctx, addr, newRouter(cmd, registry, lg), lg)
	}

	if *listen {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", networkPort(channel)))
		if err != nil {
			lg.Errorw("listen", "error", err)
			return 1
		}
		if err := serveNetwork(ctx, ln, cmd, lg); err != nil {
			lg.Errorw("network mode stopped", "error", err)
			return 1
		}
		return 0
	}

	runShell(ctx, cmd)
	return 0
}
