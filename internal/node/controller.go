// Package node provides the bootstrap pipeline for maison nodes.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/maison/internal/api/rest"
	"github.com/iggydv12/maison/internal/config"
	"github.com/iggydv12/maison/internal/event"
	"github.com/iggydv12/maison/internal/host"
	"github.com/iggydv12/maison/internal/issuer"
	"github.com/iggydv12/maison/internal/journal"
	"github.com/iggydv12/maison/internal/ledger"
	"github.com/iggydv12/maison/internal/storage/local"
)

// Controller bootstraps the node, wires all components, and runs until shutdown.
type Controller struct {
	settings *config.Settings
	logger   *zap.Logger

	state atomic.Int32
	addr  atomic.Value // net.Addr
	ready chan struct{}
}

// NewController creates a Controller for validated settings.
func NewController(s *config.Settings, logger *zap.Logger) *Controller {
	return &Controller{
		settings: s,
		logger:   logger,
		ready:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Ready is closed once the REST listener accepts connections.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Addr returns the bound REST address, or nil before Ready.
func (c *Controller) Addr() net.Addr {
	a, _ := c.addr.Load().(net.Addr)
	return a
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Info("Node state changed", zap.Stringer("state", s))
}

// Run bootstraps all components and blocks until SIGINT/SIGTERM or ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer c.setState(StateStopped)

	s := c.settings
	c.logger.Info("Starting maison node",
		zap.String("backend", s.Backend),
		zap.Stringer("admin", s.Admin),
		zap.Stringer("marketplace", s.Marketplace.Address),
		zap.Stringer("issuer", s.Issuer.Address),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// --- 1. Storage ---
	store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- 2. Event bus and journal ---
	bus := event.NewBus(reg, c.logger)
	defer bus.Stop()

	j, err := journal.Open(s.JournalPath, c.logger)
	if err != nil {
		return err
	}
	j.Attach(bus)
	defer j.Close()

	// --- 3. Host and genesis ---
	h, err := host.New(store, bus, reg, c.logger)
	if err != nil {
		return fmt.Errorf("host init: %w", err)
	}
	applied, err := h.ApplyGenesis(s.Genesis)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if applied {
		c.logger.Info("Genesis allocation applied", zap.Int("accounts", len(s.Genesis)))
	}

	// --- 4. Contracts ---
	is, err := issuer.New(h, s.Issuer, reg, c.logger)
	if err != nil {
		return fmt.Errorf("issuer init: %w", err)
	}
	market, err := ledger.New(h, s.Marketplace, []ledger.TokenLedger{is}, reg, c.logger)
	if err != nil {
		return fmt.Errorf("marketplace init: %w", err)
	}

	// --- 5. REST API ---
	api := rest.New(rest.Deps{
		Host:        h,
		Marketplace: market,
		Issuer:      is,
		Journal:     j,
		Gatherer:    reg,
		Status:      func() string { return c.State().String() },
		Serving:     func() bool { return c.State().Serving() },
	}, c.logger)
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	ln, err := net.Listen("tcp", s.RESTAddr)
	if err != nil {
		return fmt.Errorf("rest listen: %w", err)
	}
	c.addr.Store(ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.logger.Info("REST API listening", zap.Stringer("addr", ln.Addr()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rest serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.setState(StateDraining)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	c.setState(StateRunning)
	close(c.ready)

	// --- 6. Wait for shutdown ---
	err = g.Wait()
	c.logger.Info("Node stopped", zap.Uint64("seq", h.Seq()))
	return err
}

func (c *Controller) openStore(ctx context.Context) (local.Store, error) {
	s := c.settings
	var store local.Store
	err := retry.Do(func() error {
		st, err := local.Open(s.Backend, s.StatePath, c.logger)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if err := st.Init(); err != nil {
			return err
		}
		store = st
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(s.OpenRetries),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying storage open",
				zap.Uint("attempt", n+1),
				zap.String("backend", s.Backend),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}
	return store, nil
}
