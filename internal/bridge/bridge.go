// Package bridge implements the HM-10 link bridge service.
// It owns the serial transport, the WebSocket event bus, the REST API and
// the traffic store.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/andrestotorica/hm10link/internal/api"
	"github.com/andrestotorica/hm10link/internal/config"
	"github.com/andrestotorica/hm10link/internal/store"
	"github.com/andrestotorica/hm10link/internal/transport"
)

// statePollInterval bounds how quickly link state changes surface in the
// stats and the event stream.
const statePollInterval = time.Second

// Service is the central application service.
type Service struct {
	cfg    *config.Config
	db     *store.DB
	log    *zap.Logger
	tr     transport.Transport
	bus    *EventBus
	stats  *Stats
	server *http.Server
}

// New constructs a Service around an already-built transport without
// starting it.
func New(cfg *config.Config, db *store.DB, tr transport.Transport, log *zap.Logger) *Service {
	s := &Service{
		cfg:   cfg,
		db:    db,
		log:   log,
		tr:    tr,
		bus:   NewEventBus(),
		stats: NewStats(),
	}

	router := api.NewRouter(db, s, s.statusDoc, s.subscribe, log)
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start launches all subsystems and blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.tr.Connect(); err != nil {
		return fmt.Errorf("bridge: transport connect: %w", err)
	}
	defer s.tr.Disconnect() //nolint:errcheck

	go s.ingestLoop(ctx)
	go s.watchState(ctx)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.log.Info("HTTP API listening", zap.String("addr", ln.Addr().String()))

	// Serve HTTP in background; shut down on ctx cancel.
	srvErr := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("context cancelled – shutting down bridge")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}

// Send writes p to the link and records the outcome. It implements
// api.Sender.
func (s *Service) Send(p []byte) error {
	if err := s.tr.Send(p); err != nil {
		s.stats.RecordSendError()
		return err
	}
	s.stats.RecordOut(len(p))
	rec := &store.FrameRecord{Direction: store.DirOut, Payload: p}
	if _, err := s.db.InsertFrame(rec); err != nil {
		s.log.Warn("bridge: store outbound frame", zap.Error(err))
	}
	s.bus.PublishFrame(rec)
	return nil
}

// ingestLoop reads inbound frames from the transport and fans them out.
func (s *Service) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.tr.Receive():
			if !ok {
				return
			}
			s.stats.RecordIn(len(frame.Data))
			rec := &store.FrameRecord{
				Direction:  store.DirIn,
				Payload:    frame.Data,
				RecordedAt: frame.Timestamp,
			}
			id, err := s.db.InsertFrame(rec)
			if err != nil {
				s.log.Warn("bridge: store inbound frame", zap.Error(err))
				continue
			}
			rec.ID = id
			s.bus.PublishFrame(rec)
		}
	}
}

// watchState mirrors transport state changes into the stats, the store
// and the event stream.
func (s *Service) watchState(ctx context.Context) {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	last := s.tr.State()
	s.stats.SetState(last)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.tr.State()
			if st == last {
				continue
			}
			last = st
			s.stats.SetState(st)
			s.log.Info("link state changed", zap.Stringer("state", st))
			if err := s.db.InsertLinkEvent(st.String(), s.cfg.Link.Addr); err != nil {
				s.log.Warn("bridge: store link event", zap.Error(err))
			}
			s.bus.PublishStatus(s.stats.Snapshot())
		}
	}
}

// statusDoc implements api.StatusFunc.
func (s *Service) statusDoc() interface{} {
	snap := s.stats.Snapshot()
	return map[string]interface{}{
		"stats":       snap,
		"subscribers": s.bus.Len(),
	}
}

// subscribe adapts the EventBus to the api.SubscribeFunc signature.
func (s *Service) subscribe() (<-chan interface{}, func()) {
	ch, unsub := s.bus.Subscribe()
	out := make(chan interface{}, cap(ch))
	go func() {
		defer close(out)
		for e := range ch {
			out <- e
		}
	}()
	return out, unsub
}
