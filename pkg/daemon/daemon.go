package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tebeka/atexit"

	"github.com/temlab/beamshower/pkg/config"
	"github.com/temlab/beamshower/pkg/events"
	"github.com/temlab/beamshower/pkg/journal"
	"github.com/temlab/beamshower/pkg/tem"
)

// Options configure the daemon process.
type Options struct {
	ConfigPath     string
	UnixSocketPath string
	AllowNonRoot   bool
	// GatewayAddress overrides the configured instrument gateway.
	GatewayAddress string
	// RequireOnline refuses to fall back to the simulator.
	RequireOnline bool
	// ShutdownTimeout bounds how long a running shower may take to restore
	// the instrument on exit.
	ShutdownTimeout time.Duration
}

func setupRoutes(s *server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger(), "/status", "/events"))
	router.GET("/status", s.getStatus)
	router.POST("/shower/start", s.startShower)
	router.POST("/shower/cancel", s.cancelShower)
	router.GET("/events", s.streamEvents)
	router.GET("/config", s.getConfig)
	router.PUT("/config/duration", s.setDuration)
	router.PUT("/config/lens", s.setLens)
	router.PUT("/config/spot-size", s.setSpotSize)
	router.GET("/backup", s.getBackup)
	router.GET("/history", s.getHistory)
	router.GET("/version", s.getVersion)

	return router
}

func Run(opts Options) error {
	conf, err := config.NewFile(opts.ConfigPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
		}
	}()

	gateway := conf.GatewayAddress()
	if opts.GatewayAddress != "" {
		gateway = opts.GatewayAddress
	}
	inst, online, err := tem.Connect(gateway, opts.RequireOnline)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to connect to instrument gateway %s", gateway)
	}
	atexit.Register(func() {
		logrus.Info("closing instrument connection")
		if err := inst.Close(); err != nil {
			logrus.Errorf("failed to close instrument connection: %v", err)
		}
	})
	logrus.WithFields(logrus.Fields{
		"instrument": inst.Name(),
		"online":     online,
	}).Info("instrument ready")

	jr, err := journal.Open(conf.JournalPath())
	if err != nil {
		return pkgerrors.Wrap(err, "failed to open run journal")
	}
	atexit.Register(func() {
		logrus.Info("closing run journal")
		if err := jr.Close(); err != nil {
			logrus.Errorf("failed to close run journal: %v", err)
		}
	})
	if n, err := jr.MarkInterrupted(time.Now()); err != nil {
		logrus.WithError(err).Warn("failed to close interrupted runs")
	} else if n > 0 {
		logrus.Warnf("%d run(s) were interrupted by a previous daemon exit, check the instrument state", n)
	}

	hub := events.NewEventHub()
	ctrl := NewController(ControllerOptions{
		Instrument: inst,
		Online:     online,
		Config:     conf,
		Hub:        hub,
		Journal:    jr,
	})

	router := setupRoutes(&server{
		ctrl:    ctrl,
		conf:    conf,
		hub:     hub,
		journal: jr,
	})

	srv := &http.Server{
		Handler: router,
	}

	// Remove a stale socket left by a crashed daemon.
	if _, err := os.Stat(opts.UnixSocketPath); err == nil {
		logrus.Warnf("removing stale socket %s", opts.UnixSocketPath)
		_ = os.Remove(opts.UnixSocketPath)
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", opts.UnixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || opts.AllowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", opts.UnixSocketPath)
		err = os.Chmod(opts.UnixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if err := ctrl.Shutdown(ctx); err != nil {
		logrus.Errorf("beam shower did not finish restoring the instrument: %v", err)
	}
	cancel()

	logrus.Info("shutting down http server")
	// Event streams never end on their own.
	hub.Close()
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("exiting")
	atexit.Exit(0)
	return nil
}
