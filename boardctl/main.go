package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"fleetboard.com/board/board"
)

const DefaultApiUrl = "http://localhost:7070"
const DefaultConnectUrl = "ws://localhost:7070/board/ws"

const Version = "0.1.0"

func main() {
	usage := fmt.Sprintf(
		`Fleet board control.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    boardctl login --user=<user> [--api_url=<api_url>]
    boardctl list --jwt=<jwt> [--api_url=<api_url>]
    boardctl watch --jwt=<jwt> --user=<user>
        [--api_url=<api_url>]
        [--connect_url=<connect_url>]
    boardctl create --jwt=<jwt> --name=<name> --status=<status> --location=<location>
        [--api_url=<api_url>]
    boardctl set-status <record_id> <status> --jwt=<jwt> [--api_url=<api_url>]
    boardctl checkout <record_id> --jwt=<jwt> --user=<user> [--api_url=<api_url>]
    boardctl checkin <record_id> --jwt=<jwt> --user=<user> [--api_url=<api_url>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --user=<user>                User id.
    --jwt=<jwt>                  Session token from login.
    --name=<name>
    --status=<status>            One of: available, in_use, maintenance, out_of_service.
    --location=<location>        One of: depot, field, garage, shop.`,
		DefaultApiUrl,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	switch {
	case command(opts, "login"):
		login(opts)
	case command(opts, "list"):
		list(opts)
	case command(opts, "watch"):
		watch(opts)
	case command(opts, "create"):
		create(opts)
	case command(opts, "set-status"):
		setStatus(opts)
	case command(opts, "checkout"):
		shift(opts, board.MutationTypeCheckout)
	case command(opts, "checkin"):
		shift(opts, board.MutationTypeCheckin)
	}
}

func command(opts docopt.Opts, name string) bool {
	value, _ := opts.Bool(name)
	return value
}

func stringOpt(opts docopt.Opts, name string, defaultValue string) string {
	if valueAny := opts[name]; valueAny != nil {
		if value, ok := valueAny.(string); ok && value != "" {
			return value
		}
	}
	return defaultValue
}

func newApi(opts docopt.Opts) *board.BoardApi {
	api := board.NewBoardApi(stringOpt(opts, "--api_url", DefaultApiUrl))
	api.SetByJwt(stringOpt(opts, "--jwt", ""))
	return api
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", err)
	os.Exit(1)
}

func login(opts docopt.Opts) {
	userId := stringOpt(opts, "--user", "")

	fmt.Print("Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fail(err)
	}

	api := newApi(opts)
	defer api.Close()

	result, err := api.AuthLoginSync(context.Background(), &board.AuthLoginArgs{
		UserId:   userId,
		Password: string(passwordBytes),
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s\n", result.ByJwt)
}

func list(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	result, err := api.PollChangesSync(context.Background(), time.Time{})
	if err != nil {
		fail(err)
	}
	for _, record := range result.Records {
		fmt.Printf("%s v%d %-16s %-12s %-8s %s\n",
			record.RecordId,
			record.Version,
			record.Name,
			record.Status,
			record.Location,
			record.AssignedTo,
		)
	}
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	queuePath := filepath.Join(os.TempDir(), fmt.Sprintf("boardctl-%d.queue", os.Getpid()))
	defer os.Remove(queuePath)

	client, err := board.NewBoardClientWithDefaults(
		cancelCtx,
		stringOpt(opts, "--api_url", DefaultApiUrl),
		stringOpt(opts, "--connect_url", DefaultConnectUrl),
		stringOpt(opts, "--jwt", ""),
		stringOpt(opts, "--user", ""),
		queuePath,
	)
	if err != nil {
		fail(err)
	}
	defer client.Close()

	client.Transport().AddStateCallback(func(state board.TransportState) {
		fmt.Printf("= %s\n", state)
	})
	client.Transport().AddEventCallback(board.EventTypeRecordChanged, func(event *board.Event) {
		if event.Record != nil {
			fmt.Printf("~ %s %s %s\n", event.Change, event.Record.RecordId, event.Record.Status)
		}
	})
	client.Transport().AddEventCallback(board.EventTypePresenceChanged, func(event *board.Event) {
		fmt.Printf("~ presence %d\n", event.PresenceCount)
	})

	<-cancelCtx.Done()
}

func create(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	result, err := api.CreateRecordSync(context.Background(), &board.CreateRecordArgs{
		RecordId: board.NewId(),
		Name:     stringOpt(opts, "--name", ""),
		Status:   board.RecordStatus(stringOpt(opts, "--status", "")),
		Location: board.RecordLocation(stringOpt(opts, "--location", "")),
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s v%d\n", result.Record.RecordId, result.Record.Version)
}

func setStatus(opts docopt.Opts) {
	recordId, err := board.ParseId(stringOpt(opts, "<record_id>", ""))
	if err != nil {
		fail(err)
	}

	api := newApi(opts)
	defer api.Close()

	status := board.RecordStatus(stringOpt(opts, "<status>", ""))
	result, err := api.UpdateRecordSync(context.Background(), &board.UpdateRecordArgs{
		RecordId: recordId,
		Fields: &board.RecordPatch{
			Status: &status,
		},
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s v%d %s\n", result.Record.RecordId, result.Record.Version, result.Record.Status)
}

func shift(opts docopt.Opts, mutationType board.MutationType) {
	recordId, err := board.ParseId(stringOpt(opts, "<record_id>", ""))
	if err != nil {
		fail(err)
	}

	api := newApi(opts)
	defer api.Close()

	mutation := (&board.Mutation{
		Type:     mutationType,
		RecordId: recordId,
	}).Lower(stringOpt(opts, "--user", ""))

	record, err := api.DispatchSync(context.Background(), mutation)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s v%d %s %s\n", record.RecordId, record.Version, record.Status, record.AssignedTo)
}
