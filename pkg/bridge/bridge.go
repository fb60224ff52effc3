// Copyright 2024-2026 Aiku AI

// Package bridge implements the Matrix side of the SMS bridge: mapping
// tokens correlating phone numbers to rooms, room resolution for outbound
// send requests, deferred delivery of room messages, and correlation of
// inbound SMS.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-sms-bridge/pkg/bridge/store"
)

// Bridge wires the engines to the appservice, the store and the SMS
// transport, and owns their lifecycle.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger

	AS *appservice.AppService
	DB *store.Container

	Gateway   MatrixGateway
	Tokens    *TokenRegistry
	Engine    *SendEngine
	Scheduler *Scheduler
	Inbound   *Inbound
	Relay     *Relay
	Commands  *CommandHandler

	sms         SMSTransport
	ep          *appservice.EventProcessor
	adminServer *http.Server
}

// New builds a bridge from a validated config, an SMS transport and the
// process logger.
func New(cfg *Config, sms SMSTransport, log zerolog.Logger) (*Bridge, error) {
	db, err := store.New(cfg.Appservice.Database, log)
	if err != nil {
		return nil, err
	}

	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err = as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	as.Registration, err = appservice.LoadRegistration(cfg.Appservice.Registration)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     cfg.Appservice.Port,
	}

	gateway := NewMatrixGateway(as, db.Members, log)
	tokens := NewTokenRegistry(db.Membership, cfg.Bridge.AllowMappingWithoutToken, log)
	scheduler := NewScheduler(db.Queue, gateway, db.Members, log)
	engine := NewSendEngine(gateway, db.Members, scheduler, &cfg.Templates,
		cfg.Homeserver.Domain, cfg.Bridge.SingleModeEnabled, log)

	br := &Bridge{
		Config:    cfg,
		Log:       log,
		AS:        as,
		DB:        db,
		Gateway:   gateway,
		Tokens:    tokens,
		Engine:    engine,
		Scheduler: scheduler,
		Inbound: NewInbound(tokens, gateway, &cfg.Templates, cfg.Bridge.DefaultRoom,
			cfg.Bridge.DefaultRegion, cfg.Homeserver.Domain, log),
		Relay: NewRelay(tokens, db.Members, sms, &cfg.Templates, cfg.Bridge.DefaultRoom,
			cfg.Bridge.AllowMappingWithoutToken, log),
		Commands: NewCommandHandler(engine, &cfg.Templates, cfg.Bridge.CommandPrefix,
			cfg.Bridge.DefaultRegion, log),
		sms: sms,
		ep:  appservice.NewEventProcessor(as),
	}
	br.ep.On(event.EventMessage, br.handleMessageEvent)
	br.ep.On(event.StateMember, br.handleMemberEvent)
	return br, nil
}

// Start upgrades the database, registers the bot and launches the
// appservice listener, the event processor, the delivery sweep and the
// admin HTTP API.
func (br *Bridge) Start(ctx context.Context) error {
	if err := br.DB.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	if err := br.Gateway.EnsureRegistered(ctx, br.AS.BotMXID()); err != nil {
		return err
	}

	go br.AS.Start()
	go br.ep.Start(ctx)
	br.Scheduler.Start(ctx)
	br.startAdminAPI()

	br.Log.Info().
		Stringer("bot_mxid", br.AS.BotMXID()).
		Str("listen", fmt.Sprintf("%s:%d", br.Config.Appservice.Hostname, br.Config.Appservice.Port)).
		Msg("Bridge started")
	return nil
}

// Stop shuts everything down in reverse start order. The delivery sweep is
// stopped first so no dispatch is in flight while the appservice closes.
func (br *Bridge) Stop() {
	br.Scheduler.Stop()
	br.ep.Stop()
	br.AS.Stop()
	if br.adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := br.adminServer.Shutdown(ctx); err != nil {
			br.Log.Warn().Err(err).Msg("Failed to shut down admin API")
		}
	}
	if err := br.DB.Close(); err != nil {
		br.Log.Warn().Err(err).Msg("Failed to close database")
	}
	br.Log.Info().Msg("Bridge stopped")
}

// startAdminAPI serves prometheus metrics and the inbound SMS webhook.
func (br *Bridge) startAdminAPI() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/incoming", br.handleIncomingSMS)
	br.adminServer = &http.Server{
		Addr:         br.Config.Bridge.AdminAPIAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		br.Log.Info().Str("addr", br.adminServer.Addr).Msg("Starting bridge admin API")
		if err := br.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			br.Log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
}

// handleMessageEvent routes room messages: bridge commands get answered,
// everything else is relayed to the managed receivers in the room. Events
// from the bot or a managed identity are echoes and are dropped.
func (br *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == br.AS.BotMXID() || IsManagedUserID(evt.Sender) {
		return
	}
	_ = evt.Content.ParseRaw(evt.Type)
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}

	if answer, ok := br.Commands.Handle(ctx, evt.Sender, content.Body); ok {
		if answer != "" {
			if _, err := br.Gateway.SendNotice(ctx, evt.RoomID, answer); err != nil {
				br.Log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to answer command")
			}
		}
		return
	}

	if err := br.Relay.HandleRoomMessage(ctx, evt.RoomID, evt.Sender, content.Body); err != nil {
		br.Log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to relay room message")
	}
}

// handleMemberEvent mirrors membership changes into the room_member table
// the membership oracle reads from.
func (br *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	_ = evt.Content.ParseRaw(evt.Type)
	content := evt.Content.AsMember()
	if content == nil {
		return
	}
	target := id.UserID(evt.GetStateKey())
	var err error
	switch content.Membership {
	case event.MembershipJoin:
		err = br.DB.Members.Put(ctx, evt.RoomID, target)
	case event.MembershipLeave, event.MembershipBan:
		err = br.DB.Members.Remove(ctx, evt.RoomID, target)
	}
	if err != nil {
		br.Log.Err(err).
			Stringer("room_id", evt.RoomID).
			Stringer("user_id", target).
			Msg("Failed to update membership table")
	}
}
