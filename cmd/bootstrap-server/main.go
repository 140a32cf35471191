// Command bootstrap-server runs the standalone HTTP app that formats the
// JuiceFS/Storj-backed filesystem sharing the proxy's Redis upstream as a
// metadata store. It has no dependency on the proxy itself, mirroring
// original_source/src/server.py's "gunicorn runs the Flask app in one
// process, the proxy runs in another" split.
package main

import (
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/redis-authproxy/redis-authproxy/internal/bootstrap"
)

func main() {
	os.Exit(run())
}

func run() int {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger setup error:", err)
		return 1
	}
	defer log.Sync()

	port := os.Getenv("FLASK_PORT")
	if port == "" {
		port = "5000"
	}
	addr := ":" + port

	srv := bootstrap.New(log)
	log.Info("bootstrap server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, srv); err != nil {
		log.Error("bootstrap server stopped", zap.Error(err))
		return 1
	}
	return 0
}
