// A standalone in-memory Redis for local development and demos, so the
// full pipeline can run without a real Redis deployment.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"

	"github.com/trailofbits/buttercup-sub003/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	log := logger.New("redis_server", os.Getenv("BUTTERCUP_LOG_LEVEL"))

	addr := os.Getenv("BUTTERCUP_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(addr); err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("Could not start redis server")
	}
	defer s.Close()

	log.Info().Str("addr", s.Addr()).Msg("In-memory redis listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutting down redis server...")
}
