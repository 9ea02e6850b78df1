package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/domain"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// streamFleet relays the fleet's live telemetry and alert channels to a
// websocket client until either side goes away.
func (h *Handler) streamFleet(w http.ResponseWriter, r *http.Request) {
	fleetID, err := pathInt(r, "fleetID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ok, err := h.Queries.FleetExists(r.Context(), fleetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, domain.Errorf(domain.KindNotFound, "fleet %d not found", fleetID))
		return
	}

	logger := LoggerFrom(r.Context(), h.Logger).With(zap.Int64("fleet_id", fleetID))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ps, err := h.Feed.SubscribeFleet(ctx, fleetID)
	if err != nil {
		logger.Error("fleet subscribe failed", zap.Error(err))
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(streamWriteWait),
		)
		return
	}
	defer ps.Close()

	// The client only ever sends control frames; reading surfaces its close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	msgs := ps.Channel()
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	logger.Info("fleet stream opened")
	defer logger.Info("fleet stream closed")

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-msgs:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
