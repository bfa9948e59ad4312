package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"quiz-session-service/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Error().Err(err).Msg("quiz-service failed")
		os.Exit(1)
	}
}
