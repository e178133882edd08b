package game

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const serverVersion = "1.0.0"

// Handler wires the coordinator to the HTTP surface: the websocket entry
// point plus the read-only probes. Nothing here mutates room state.
type Handler struct {
	coord    *Coordinator
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHandler(coord *Coordinator, log zerolog.Logger) *Handler {
	return &Handler{
		coord: coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the CORS middleware in main.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.WebsocketHandler)

	api := r.Group("/api")
	api.GET("/health", h.HealthHandler)
	api.GET("/rooms/:code", h.RoomHandler)
	api.GET("/stats", h.StatsHandler)
}

func (h *Handler) WebsocketHandler(ctx *gin.Context) {
	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("ip", ctx.ClientIP()).Msg("websocket upgrade failed")
		return
	}
	go h.coord.HandleConnection(NewWebsocketConn(conn))
}

func (h *Handler) HealthHandler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": serverVersion,
		"name":    "Aurora Rider Server",
	})
}

// RoomHandler returns a room's public snapshot by code.
func (h *Handler) RoomHandler(ctx *gin.Context) {
	room, ok := h.coord.Registry().Get(ctx.Param("code"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	room.mu.Lock()
	view := room.Snapshot()
	room.mu.Unlock()
	ctx.JSON(http.StatusOK, view)
}

func (h *Handler) StatsHandler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"activeRooms":   h.coord.Registry().Count(),
		"activePlayers": h.coord.SessionCount(),
	})
}
