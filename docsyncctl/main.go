package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"golang.org/x/term"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/docsync/awareness"
	"github.com/bringyour/docsync/docsync/logoot"
	"github.com/bringyour/docsync/docsync/relay"
)

const DocsyncCtlVersion = "0.0.1"

const DefaultRelayUrl = "ws://localhost:8080/"

const SecretEnvVar = "DOCSYNC_SECRET"

func main() {
	usage := fmt.Sprintf(
		`Docsync control.

The relay secret is read from --secret, then $%s, then a prompt.
The default relay url is %s

Usage:
    docsyncctl relay [--port=<port>] [--secret=<secret>]
    docsyncctl token --room=<room> [--secret=<secret>] [--ttl=<ttl>]
    docsyncctl edit --room=<room> --token=<token>
        [--relay_url=<relay_url>]
        [--name=<name>]
        [--config=<config>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    -p --port=<port>           Listen port [default: 8080].
    --secret=<secret>          Token signing secret.
    --room=<room>              Room id. "*" allows every room.
    --ttl=<ttl>                Token lifetime [default: 24h].
    --token=<token>            Room token.
    --relay_url=<relay_url>    Relay websocket url.
    --name=<name>              Name shown to other editors.
    --config=<config>          Yaml coordinator settings.`,
		SecretEnvVar,
		DefaultRelayUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		runRelay(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	}
}

func runRelay(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	secret := requireSecret(opts)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	server := relay.NewServerWithDefaults(ctx, secret)
	defer server.Close()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: server,
	}

	fmt.Printf("relay listening on :%d\n", port)

	go func() {
		defer cancel()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("[r]listen error = %s\n", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Close()
	httpServer.Shutdown(shutdownCtx)
}

func token(opts docopt.Opts) {
	roomId, _ := opts.String("--room")
	ttlStr, _ := opts.String("--ttl")
	secret := requireSecret(opts)

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		fmt.Printf("Invalid ttl (%s).\n", err)
		os.Exit(1)
	}

	tokenStr, err := relay.NewRoomToken(secret, roomId, ttl)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", tokenStr)
}

func edit(opts docopt.Opts) {
	roomId, _ := opts.String("--room")
	tokenStr, _ := opts.String("--token")

	config := &EditConfig{}
	if configPathAny := opts["--config"]; configPathAny != nil {
		var err error
		config, err = LoadEditConfig(configPathAny.(string))
		if err != nil {
			fmt.Printf("%s\n", err)
			os.Exit(1)
		}
	}

	relayUrl := DefaultRelayUrl
	if config.RelayUrl != "" {
		relayUrl = config.RelayUrl
	}
	if relayUrlAny := opts["--relay_url"]; relayUrlAny != nil {
		relayUrl = relayUrlAny.(string)
	}

	name := config.Name
	if nameAny := opts["--name"]; nameAny != nil {
		name = nameAny.(string)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	sessionId := docsync.NewId()
	settings := docsync.DefaultCoordinatorSettings()
	config.Apply(settings)
	settings.SessionIdGenerator = func() docsync.Id {
		return sessionId
	}

	var presence *awareness.Awareness
	if config.PresenceEnabled() {
		presence = awareness.NewAwareness(sessionId.String())
		settings.Presence = presence
	}

	document := logoot.NewDocument(sessionId.String())
	provider := relay.NewChannelProviderWithDefaults(ctx, relayUrl, tokenStr)
	coordinator := docsync.NewCoordinator(ctx, roomId, document, provider, settings)
	defer coordinator.Destroy()

	fmt.Printf("session_id: %s\n", sessionId)

	coordinator.On(docsync.EventStatus, func(event docsync.Event) {
		fmt.Printf("[%s]\n", event.(*docsync.StatusEvent).Status)
	})
	coordinator.On(docsync.EventError, func(event docsync.Event) {
		fmt.Printf("[error] %s\n", event.(*docsync.ErrorEvent).Err)
	})
	coordinator.On(docsync.EventMessage, func(event docsync.Event) {
		printDocument(document)
	})
	if presence != nil {
		if name != "" {
			presence.SetLocalState(map[string]string{"name": name})
		}
		coordinator.On(docsync.EventPresenceUpdate, func(event docsync.Event) {
			printPresence(presence)
		})
	}

	coordinator.Connect()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return
			case "/show":
				printDocument(document)
			case "/who":
				if presence != nil {
					printPresence(presence)
				}
			default:
				if err := document.Insert(document.Len(), line+"\n"); err != nil {
					fmt.Printf("[error] %s\n", err)
				}
			}
		}
	}
}

func printDocument(document *logoot.Document) {
	fmt.Printf("---\n%s---\n", document.Content())
}

func printPresence(presence *awareness.Awareness) {
	states := presence.States()
	names := make([]string, 0, len(states))
	for id, state := range states {
		if name, ok := state["name"]; ok && name != "" {
			names = append(names, name)
		} else {
			names = append(names, id)
		}
	}
	slices.Sort(names)
	fmt.Printf("[online] %s\n", strings.Join(names, ", "))
}

func requireSecret(opts docopt.Opts) []byte {
	if secretAny := opts["--secret"]; secretAny != nil {
		return []byte(secretAny.(string))
	}
	if secret := os.Getenv(SecretEnvVar); secret != "" {
		return []byte(secret)
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		fmt.Printf("Set --secret or $%s.\n", SecretEnvVar)
		os.Exit(1)
	}
	fmt.Print("Enter secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return secretBytes
}
