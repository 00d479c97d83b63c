// Package diagnostics exposes a read-only HTTP+WebSocket view over the
// gateway's live state: terminal topology, register-bank snapshots,
// watchdog status, and a stream of cycle/watchdog events. It never
// accepts writes — all I/O mutation happens through the Modbus
// dispatcher, never through this API.
package diagnostics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kbusgw/kbusmodbusgw/internal/kbus"
	"github.com/kbusgw/kbusmodbusgw/internal/metrics"
	"github.com/kbusgw/kbusmodbusgw/internal/regbank"
	"github.com/kbusgw/kbusmodbusgw/internal/watchdog"
	ws "github.com/kbusgw/kbusmodbusgw/internal/websocket"
)

// Server wraps a fiber app serving the diagnostics API.
type Server struct {
	Engine   *kbus.Engine
	Banks    *regbank.Banks
	Watchdog *watchdog.Watchdog
	Log      *zap.Logger
	Version  string

	Hub     *ws.Hub
	Metrics *metrics.Metrics

	app *fiber.App
}

// New builds the fiber app and registers every route. Call Listen to
// start serving.
func New(s *Server) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "kbusmodbusgw v" + s.Version,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
	}))

	if s.Hub == nil {
		s.Hub = ws.NewHub()
	}
	go s.Hub.Run()

	if s.Metrics == nil {
		s.Metrics = metrics.NewMetrics()
	}
	app.Use(metrics.Middleware(s.Metrics))

	s.app = app
	s.routes()
	return s
}

// Listen starts serving on addr. It blocks until the listener exits.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the fiber app.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) routes() {
	s.app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "kbusmodbusgw",
			"version": s.Version,
			"status":  "running",
		})
	})

	s.app.Get("/termcount", s.handleTermCount)
	s.app.Get("/terminals", s.handleTerminals)
	s.app.Get("/status", s.handleStatus)
	s.app.Get("/banks/:name", s.handleBank)
	s.app.Get("/metrics", s.handleMetrics)

	s.app.Use("/ws/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/events", websocket.New(s.Hub.HandleWebSocket))
}

func (s *Server) handleTermCount(c *fiber.Ctx) error {
	snap := s.Engine.Snapshot()
	return c.JSON(fiber.Map{"termCount": len(snap.Terminals)})
}

func (s *Server) handleTerminals(c *fiber.Ctx) error {
	snap := s.Engine.Snapshot()
	type terminalView struct {
		Pos           int    `json:"pos"`
		Type          uint16 `json:"type"`
		BitOffsetIn   int    `json:"bitOffsetIn"`
		BitOffsetOut  int    `json:"bitOffsetOut"`
		BitSizeIn     int    `json:"bitSizeIn"`
		BitSizeOut    int    `json:"bitSizeOut"`
		Channels      int    `json:"channels"`
		PiFormat      string `json:"piFormat"`
	}
	out := make([]terminalView, 0, len(snap.Terminals))
	for _, t := range snap.Terminals {
		out = append(out, terminalView{
			Pos: t.Position, Type: t.Value,
			BitOffsetIn: t.BitOffsetIn, BitOffsetOut: t.BitOffsetOut,
			BitSizeIn: t.BitSizeIn, BitSizeOut: t.BitSizeOut,
			Channels: t.Channels, PiFormat: t.PIFormat,
		})
	}
	return c.JSON(out)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := fiber.Map{
		"errorCode":       s.Engine.GetError(),
		"initialized":     s.Engine.IsInitialized(),
		"state":           s.Engine.State().String(),
		"appState":        s.Engine.AppState(),
		"bytesToRead":     s.Engine.GetBytesToRead(),
		"bytesToWrite":    s.Engine.GetBytesToWrite(),
	}
	if s.Watchdog != nil {
		resp["watchdogActive"] = s.Watchdog.IsActive()
	}
	return c.JSON(resp)
}

func (s *Server) handleBank(c *fiber.Ctx) error {
	name := c.Params("name")
	bank, words := s.lookupWordBank(name)
	if bank != nil {
		vals, _ := bank.GetRange(0, bank.Capacity())
		return c.JSON(fiber.Map{"name": name, "capacity": bank.Capacity(), "words": vals})
	}
	if words != nil {
		return c.JSON(words)
	}
	return fiber.ErrNotFound
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	s.Metrics.UpdateSystemMetrics()
	if s.Engine != nil {
		s.Metrics.SetCycleCount(s.Engine.Snapshot().Cycles)
	}
	if s.Watchdog != nil {
		s.Metrics.SetWatchdogTrips(s.Watchdog.TripCount())
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(s.Metrics.PrometheusFormat())
}

func (s *Server) lookupWordBank(name string) (*regbank.WordBank, interface{}) {
	switch name {
	case "pd_in_1":
		return s.Banks.PDIn1, nil
	case "pd_out_1":
		return s.Banks.PDOut1, nil
	case "pd_in_2":
		return s.Banks.PDIn2, nil
	case "pd_out_2":
		return s.Banks.PDOut2, nil
	case "watchdog":
		return s.Banks.Watchdog, nil
	case "const":
		return s.Banks.Const, nil
	case "descr":
		return s.Banks.Descr, nil
	}
	return nil, nil
}
