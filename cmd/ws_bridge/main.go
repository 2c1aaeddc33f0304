package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/acpconn/config"
	"github.com/m4xw311/acpconn/host"
	"github.com/m4xw311/acpconn/logger"
	"github.com/m4xw311/acpconn/transport"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	addrFlag := flag.String("addr", ":8080", "Address to listen on")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: ws_bridge [-addr :8080] <agent command> [args...]")
		os.Exit(2)
	}
	log := logger.Default().WithComponent("ws_bridge")
	agentCmd := config.AgentCommand{Command: flag.Arg(0), Args: flag.Args()[1:]}

	http.HandleFunc("/ws", handleWS(agentCmd, log))

	log.Info("WebSocket server running", zap.String("url", "ws://localhost"+*addrFlag+"/ws"))
	if err := http.ListenAndServe(*addrFlag, nil); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

// handleWS starts one agent per websocket connection and relays frames
// between them until either side goes away.
func handleWS(agentCmd config.AgentCommand, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade error", zap.Error(err))
			return
		}
		ws := transport.NewWebSocket(conn, transport.WithLogger(log))
		defer ws.Close()

		proc, err := host.Spawn(agentCmd, log)
		if err != nil {
			log.Error("error starting agent", zap.Error(err))
			return
		}
		defer proc.Close()

		if err := transport.Relay(r.Context(), ws, proc.Transport); err != nil {
			log.Warn("relay ended", zap.String("remote", r.RemoteAddr), zap.Error(err))
		}
	}
}
