package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mealcredits/internal/models"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// handleCreditStream pushes the caller's balance over a websocket: once on
// connect, then after every committed change. The subscription is taken
// before the first read and every push re-reads the ledger, so the last
// frame sent always reflects the last commit.
func (s *Server) handleCreditStream(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	changed := make(chan struct{}, 1)
	unsubscribe := s.svc.SubscribeCredits(user.ID, func(models.CreditBalance) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	current, err := s.svc.GetCredits(r.Context(), user.ID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("credit stream upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("user_id", user.ID).
		Logger()

	send := func(b models.CreditBalance) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(b)
	}
	if err := send(current); err != nil {
		logger.Debug().Err(err).Msg("credit stream write failed")
		return
	}

	// The reader only exists to process pongs and notice the close frame.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	logger.Debug().Msg("credit stream opened")
	for {
		select {
		case <-closed:
			logger.Debug().Msg("credit stream closed by client")
			return
		case <-r.Context().Done():
			return
		case <-changed:
			b, err := s.svc.GetCredits(r.Context(), user.ID)
			if err != nil {
				logger.Warn().Err(err).Msg("credit stream reload failed")
				return
			}
			if err := send(b); err != nil {
				logger.Debug().Err(err).Msg("credit stream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
