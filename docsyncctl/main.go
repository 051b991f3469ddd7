package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/docsync/docsync"
)

const DefaultAddr = ":8080"
const DefaultPath = "/ws"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Document sync control.

The default server address is %s and the websocket path is %s.

Usage:
    docsyncctl serve [--addr=<addr>] [--path=<path>] [--config=<config>]
        [--secret=<secret>]
        [--snapshot=<snapshot>]
        [--title=<title>]
        [--v=<level>]
    docsyncctl pull --url=<url> [--session_id=<session_id>] [--config=<config>]
        [--secret=<secret>]
        [--out=<out>]
        [--v=<level>]
    docsyncctl token [--session_id=<session_id>] [--secret=<secret>]
        [--expiration=<expiration>]
    docsyncctl snapshot show <snapshot>

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --addr=<addr>                Listen address.
    --path=<path>                Websocket path.
    --config=<config>            YAML settings file.
    --secret=<secret>            Session token signing key.
    --snapshot=<snapshot>        Seed every new session from this snapshot.
    --title=<title>              Title of new documents.
    --url=<url>                  Server websocket url.
    --session_id=<session_id>    Session id. A new id is generated when omitted.
    --out=<out>                  Write the pulled document as a snapshot.
    --expiration=<expiration>    Token lifetime, e.g. 24h [default: 0s].
    --v=<level>                  Log verbosity.`,
		DefaultAddr,
		DefaultPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if level, _ := opts.String("--v"); level != "" {
		flag.Set("logtostderr", "true")
		flag.Set("v", level)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if pull_, _ := opts.Bool("pull"); pull_ {
		pull(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshotShow(opts)
	}
}

func serve(opts docopt.Opts) {
	config := loadConfigOpt(opts)

	addr := DefaultAddr
	if config.Server.Addr != "" {
		addr = config.Server.Addr
	}
	if addrOpt, _ := opts.String("--addr"); addrOpt != "" {
		addr = addrOpt
	}
	path := DefaultPath
	if config.Server.Path != "" {
		path = config.Server.Path
	}
	if pathOpt, _ := opts.String("--path"); pathOpt != "" {
		path = pathOpt
	}

	settings := docsync.DefaultServerSettings()
	config.Server.Apply(settings)
	if secret, _ := opts.String("--secret"); secret != "" {
		settings.SecretKey = secret
	}
	// the command line server accepts any origin
	settings.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	registry := docsync.NewRegistry()
	var documentFactory docsync.DocumentFactory
	if snapshotPath, _ := opts.String("--snapshot"); snapshotPath != "" {
		// fail fast on a bad snapshot
		if _, err := docsync.LoadSnapshot(registry, snapshotPath); err != nil {
			panic(err)
		}
		documentFactory = docsync.NewSnapshotDocumentFactory(registry, snapshotPath)
	} else {
		title, _ := opts.String("--title")
		documentFactory = func(sessionId string) (*docsync.Document, error) {
			doc := docsync.NewDocument(registry)
			if title != "" {
				doc.SetTitle(title)
			}
			return doc, nil
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	server := docsync.NewServer(ctx, registry, documentFactory, settings)

	mux := http.NewServeMux()
	mux.Handle(path, server)
	mux.Handle("/status", &Status{server: server})

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	fmt.Printf("Serving %s on %s%s\n", RequireVersion(), addr, path)

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	if err := server.Close(); err != nil {
		fmt.Printf("close error: %s\n", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	os.Exit(0)
}

func pull(opts docopt.Opts) {
	config := loadConfigOpt(opts)

	serverUrl, _ := opts.String("--url")
	sessionId, _ := opts.String("--session_id")
	if sessionId == "" {
		sessionId = docsync.GenerateSessionId()
	}

	settings := docsync.DefaultConnectionSettings()
	config.Connection.Apply(settings)
	// a one shot pull never resyncs
	settings.Reconnect = false
	if secret, _ := opts.String("--secret"); secret != "" {
		sessionToken, err := docsync.GenerateSessionToken(sessionId, secret, 0, nil)
		if err != nil {
			panic(err)
		}
		settings.Token = sessionToken
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	registry := docsync.NewRegistry()
	connection, err := docsync.NewClientConnection(ctx, serverUrl, sessionId, registry, settings)
	if err != nil {
		panic(err)
	}
	defer connection.Close()

	session, err := connection.PullSession(ctx)
	if err != nil {
		panic(err)
	}

	if out, _ := opts.String("--out"); out != "" {
		err := session.Update(func(doc *docsync.Document) error {
			return docsync.SaveSnapshot(doc, out)
		})
		if err != nil {
			panic(err)
		}
		fmt.Printf("session %s saved to %s\n", sessionId, out)
		return
	}

	var docJson map[string]any
	session.Update(func(doc *docsync.Document) error {
		docJson = doc.ToJSON(false)
		return nil
	})
	printJson(docJson)
}

func token(opts docopt.Opts) {
	sessionId, _ := opts.String("--session_id")
	if sessionId == "" {
		sessionId = docsync.GenerateSessionId()
	}

	var secret string
	if secretOpt, _ := opts.String("--secret"); secretOpt != "" {
		secret = secretOpt
	} else if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Enter secret (empty for unsigned): ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
		fmt.Printf("\n")
	}

	expirationStr, _ := opts.String("--expiration")
	expiration, err := time.ParseDuration(expirationStr)
	if err != nil {
		panic(err)
	}

	sessionToken, err := docsync.GenerateSessionToken(sessionId, secret, expiration, nil)
	if err != nil {
		panic(err)
	}
	fmt.Printf("session_id: %s\n", sessionId)
	fmt.Printf("token: %s\n", sessionToken)
}

func snapshotShow(opts docopt.Opts) {
	path, _ := opts.String("<snapshot>")
	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	docJson, err := docsync.DecodeSnapshotJSON(data)
	if err != nil {
		panic(err)
	}
	printJson(docJson)
}

func loadConfigOpt(opts docopt.Opts) *Config {
	if path, _ := opts.String("--config"); path != "" {
		config, err := LoadConfig(path)
		if err != nil {
			panic(err)
		}
		return config
	}
	return &Config{}
}

// indented on a terminal, compact otherwise
func printJson(value any) {
	var out []byte
	var err error
	if term.IsTerminal(int(os.Stdout.Fd())) {
		out, err = json.MarshalIndent(value, "", "  ")
	} else {
		out, err = json.Marshal(value)
	}
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", out)
}

type Status struct {
	server *docsync.Server
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version  string `json:"version,omitempty"`
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Host     string `json:"host"`
	}

	result := &StatusResult{
		Version:  RequireVersion(),
		Status:   "ok",
		Sessions: len(self.server.Sessions()),
		Host:     RequireHost(),
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func Host() (string, error) {
	host := os.Getenv("DOCSYNC_HOST")
	if host != "" {
		return host, nil
	}
	host, err := os.Hostname()
	if err == nil {
		return host, nil
	}
	return "", errors.New("DOCSYNC_HOST not set")
}

func RequireHost() string {
	host, err := Host()
	if err != nil {
		panic(err)
	}
	return host
}

func RequireVersion() string {
	if version := os.Getenv("DOCSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
