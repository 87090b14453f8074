package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"fleetboard.com/board/server"
)

const Version = "0.1.0"

func main() {
	usage := `Fleet board server.

Configuration is read from the environment:
    BOARD_LISTEN_ADDR       listen address (default :7070)
    BOARD_DB_PATH           sqlite db path (default board.db)
    BOARD_JWT_SECRET        session token secret (required)
    BOARD_ALLOWED_ORIGINS   comma-separated cors origins

Usage:
    boardd run [--listen=<listen>] [--db=<db>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --listen=<listen>    Override the listen address.
    --db=<db>            Override the sqlite db path.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	settings, err := server.SettingsFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	if listenAny := opts["--listen"]; listenAny != nil {
		settings.ListenAddr = listenAny.(string)
	}
	if dbAny := opts["--db"]; dbAny != nil {
		settings.DbPath = dbAny.(string)
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := server.NewServer(cancelCtx, settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	defer s.Close()

	if err := s.Run(); err != nil {
		glog.Errorf("[boardd]exit = %s\n", err)
		os.Exit(1)
	}
}
