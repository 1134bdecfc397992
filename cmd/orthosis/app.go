package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ulugris/orthosis/internal/actuation"
	"github.com/ulugris/orthosis/internal/api"
	"github.com/ulugris/orthosis/internal/config"
	"github.com/ulugris/orthosis/internal/db"
	"github.com/ulugris/orthosis/internal/gait"
	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/orchestrator"
	"github.com/ulugris/orthosis/internal/params"
	"github.com/ulugris/orthosis/internal/sensorlink"
	"github.com/ulugris/orthosis/internal/timeutil"
	"github.com/ulugris/orthosis/internal/trajectory"
)

// drainTimeout bounds how long workers may take to finish queued dumps after
// the control loop has stopped.
const drainTimeout = 10 * time.Second

// app holds the wired system.
type app struct {
	orch    *orchestrator.Orchestrator
	store   *params.Store
	limbs   [params.NumChannels]orchestrator.Limb
	db      *db.DB
	journal *db.Journal
	admin   string
	closed  bool
}

// build wires sensors, motors, controllers, the parameter store, the session
// catalog and the control loop from cfg.
func build(cfg *config.Config, dev bool) (*app, error) {
	clock := timeutil.RealClock{}
	gearing := cfg.Gearing()
	sampleRate := cfg.GetSampleRateHz()

	opener := sensorlink.OpenSerial
	if dev {
		monitoring.Logf("dev mode: simulated sensors and motors")
		opener = sensorlink.SimulatedOpener(
			time.Duration(float64(time.Second)/sampleRate),
			sensorlink.DefaultSimulatedGait(0, 1),
			sensorlink.DefaultSimulatedGait(0.5, cfg.GetLeftAngleSign()),
		)
	} else if cfg.GetActuatorDriver() == "simulated" {
		monitoring.Logf("warning: no motor controller driver configured, motors are simulated")
	}

	ready := make(chan int, params.NumChannels)
	shared := &sensorlink.SharedTime{}
	ports := cfg.GetSerialPorts()

	a := &app{admin: cfg.GetAdminListen()}
	var (
		sinks    [params.NumChannels]params.Sink
		planners [params.NumChannels]*trajectory.Planner
	)
	for i := range a.limbs {
		sensor := sensorlink.Open(sensorlink.Config{
			ID:      i + 1,
			Path:    ports[i],
			Options: sensorlink.PortOptions{BaudRate: cfg.GetBaudRate()},
			Open:    opener,
			Time:    shared,
			Ready:   ready,
		})
		channel := actuation.NewChannel(i+1, actuation.NewSimulated(clock, gearing), 0)
		controller := gait.NewController(params.ChannelName(i), channel, clock)

		a.limbs[i] = orchestrator.Limb{Sensor: sensor, Channel: channel, Controller: controller}
		sinks[i] = controller
		planners[i] = trajectory.NewPlanner(cfg.GetTrajectorySteps(), gearing)
	}

	limits := params.Limits{MaxVelocity: cfg.GetMaxVelocityRPM(), MaxAcceleration: cfg.GetMaxAccelerationRPM()}
	a.store = params.NewStore(planners, limits, params.FileBackend{Path: cfg.GetParamsPath()}, sinks)

	var catalog orchestrator.SessionCatalog
	if path := cfg.GetDBPath(); path != "" {
		database, err := db.Open(path)
		if err != nil {
			return nil, fmt.Errorf("session catalog: %w", err)
		}
		a.db = database
		a.journal = db.NewJournal(database, 0)
		catalog = a.journal
		a.store.OnChange = func(c params.Change) {
			a.journal.RecordParamChange(time.Now(), c)
		}
	}

	if err := a.store.Setup(); err != nil {
		a.close()
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		SampleRate:      sampleRate,
		ListenAddr:      cfg.GetListenAddr(),
		TelemetryPort:   cfg.GetTelemetryPort(),
		ConnectRate:     cfg.GetTelemetryRateHz(),
		AndroidRate:     cfg.GetAndroidTelemetryRateHz(),
		PositionRate:    cfg.GetPositionRateHz(),
		LogDir:          cfg.GetLogDir(),
		TelemetryOffset: cfg.GetTelemetryOffsetDeg(),
		LeftAngleSign:   cfg.GetLeftAngleSign(),
		HomingTimeout:   cfg.GetHomingTimeout(),
		Clock:           clock,
	}, a.store, a.limbs, ready, shared, catalog)
	if err != nil {
		a.close()
		return nil, err
	}
	a.orch = orch
	return a, nil
}

// adminHandler mounts the API, metrics and debug routes.
func (a *app) adminHandler() http.Handler {
	mux := http.NewServeMux()
	for _, l := range a.limbs {
		if link, ok := l.Sensor.(*sensorlink.Link); ok {
			link.AttachAdminRoutes(mux)
		}
	}

	var catalog api.Catalog
	if a.db != nil {
		if err := a.db.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("debug routes unavailable: %v", err)
		}
		catalog = a.db
	}
	return api.NewServer(a.orch, a.store, catalog).Handler(mux)
}

// run drives the system until ctx is done or a component fails. Workers are
// stopped by the control loop's shutdown so their queued dumps complete.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	workers, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	g, ctx := errgroup.WithContext(ctx)
	for _, l := range a.limbs {
		g.Go(func() error { return l.Sensor.Run(workers) })
		g.Go(func() error { return l.Channel.Run(workers) })
	}
	if a.journal != nil {
		g.Go(func() error { return a.journal.Run(workers) })
	}

	g.Go(func() error {
		err := a.orch.Run(ctx)
		if a.journal != nil {
			a.journal.Close()
		}
		// Workers exit on their own once drained.
		time.AfterFunc(drainTimeout, stopWorkers)
		return err
	})

	if a.admin != "" {
		monitoring.Logf("admin server listening on %s", a.admin)
		h := a.adminHandler()
		g.Go(func() error {
			err := api.Serve(ctx, a.admin, h)
			if err != nil {
				monitoring.Logf("admin server failed, shutting down: %v", err)
			}
			return err
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			monitoring.Logf("failed to close session catalog: %v", err)
		}
	}
}
