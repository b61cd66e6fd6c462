package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ojoquinhaa/dezap/internal/config"
	"github.com/ojoquinhaa/dezap/internal/core"
	"github.com/ojoquinhaa/dezap/internal/logging"
	"github.com/ojoquinhaa/dezap/internal/ui"
)

// Process exit codes.
const (
	exitOK          = 0
	exitConfig      = 2
	exitNetwork     = 3
	exitDenied      = 4
	exitFileIO      = 5
	exitInterrupted = 130
)

var (
	flagConfig           string
	flagVerbose          bool
	flagDisableDiscovery bool
	flagBind             string
	flagConnect          string
	flagTo               string
	flagText             string
	flagPath             string
	flagPassword         string
)

func main() {
	root := &cobra.Command{
		Use:           "dezap",
		Short:         "LAN-first peer-to-peer messenger and file transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&flagDisableDiscovery, "disable-discovery", false, "disable UDP peer discovery")

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive chat interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI()
		},
	}
	tuiCmd.Flags().StringVar(&flagBind, "bind", "", "listen address override")
	tuiCmd.Flags().StringVar(&flagConnect, "connect", "", "peer to connect to on startup")
	tuiCmd.Flags().StringVar(&flagPassword, "password", "", "listen/connect password")

	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a headless listener, printing events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen()
		},
	}
	listenCmd.Flags().StringVar(&flagBind, "bind", "", "listen address override")
	listenCmd.Flags().StringVar(&flagPassword, "password", "", "listen password")

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send one text message and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend()
		},
	}
	sendCmd.Flags().StringVar(&flagTo, "to", "", "peer address")
	sendCmd.Flags().StringVar(&flagText, "text", "", "message body")
	sendCmd.Flags().StringVar(&flagPassword, "password", "", "connect password")

	sendFileCmd := &cobra.Command{
		Use:   "send-file",
		Short: "Offer one file and exit when the transfer settles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSendFile()
		},
	}
	sendFileCmd.Flags().StringVar(&flagTo, "to", "", "peer address")
	sendFileCmd.Flags().StringVar(&flagPath, "path", "", "file to send")
	sendFileCmd.Flags().StringVar(&flagPassword, "password", "", "connect password")

	root.AddCommand(tuiCmd, listenCmd, sendCmd, sendFileCmd)

	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.message != "" {
				fmt.Fprintln(os.Stderr, "dezap:", exit.message)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "dezap:", err)
		os.Exit(exitConfig)
	}
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, message: fmt.Sprintf(format, args...)}
}

// bootstrap loads settings and starts the service runtime.
func bootstrap() (*core.Service, config.Settings, zerolog.Logger, context.Context, context.CancelFunc, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	settings, err := config.Load(path)
	if err != nil {
		return nil, settings, zerolog.Nop(), nil, nil, fail(exitConfig, "%v", err)
	}
	if flagDisableDiscovery {
		settings.Discovery.Enabled = false
	}

	log := logging.New(flagVerbose, nil)

	svc, err := core.New(settings, log)
	if err != nil {
		return nil, settings, log, nil, nil, fail(exitConfig, "%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go svc.Run(ctx)

	return svc, settings, log, ctx, stop, nil
}

func runTUI() error {
	svc, settings, _, ctx, stop, err := bootstrap()
	if err != nil {
		return err
	}
	defer stop()

	if err := svc.Submit(core.Listen{Bind: flagBind, Password: flagPassword}); err != nil {
		return fail(exitNetwork, "listen: %v", err)
	}
	if flagConnect != "" {
		if err := svc.Submit(core.Connect{Addr: flagConnect, Password: flagPassword}); err != nil {
			return fail(exitNetwork, "connect: %v", err)
		}
	}

	model := ui.NewModel(svc, settings.Identity.Handle, settings.Paths.DownloadDir)
	p := tea.NewProgram(model)
	final, err := p.Run()
	if err != nil {
		return fail(exitConfig, "tui: %v", err)
	}
	if m, ok := final.(ui.Model); ok && m.Err != nil {
		return fail(exitNetwork, "%v", m.Err)
	}
	if ctx.Err() != nil {
		return fail(exitInterrupted, "")
	}
	return nil
}

func runListen() error {
	svc, _, log, ctx, stop, err := bootstrap()
	if err != nil {
		return err
	}
	defer stop()

	if err := svc.Submit(core.Listen{Bind: flagBind, Password: flagPassword}); err != nil {
		return fail(exitNetwork, "listen: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			svc.Submit(core.Shutdown{})
			return fail(exitInterrupted, "")
		case ev := <-svc.Events():
			switch e := ev.(type) {
			case core.ListenerStarted:
				fmt.Println("listening on", e.Addr)
				clipboard.WriteAll(e.Addr) // best effort
			case core.Connected:
				fmt.Printf("connected: %s (%s)\n", e.Handle, e.Addr)
			case core.Disconnected:
				fmt.Printf("disconnected: session %d (%s)\n", e.Session, e.Reason)
			case core.MessageReceived:
				fmt.Printf("[%s] session %d: %s\n", e.Timestamp.Format("15:04:05"), e.Session, e.Body)
			case core.FileOfferReceived:
				fmt.Printf("file offer %x: %s (%d bytes) — accept via tui\n", e.OfferID[:4], e.SaveName, e.Meta.OriginalSize)
			case core.FileTransferCompleted:
				fmt.Println("file received:", e.Path)
			case core.Error:
				log.Warn().Str("kind", string(e.Kind)).Str("detail", e.Detail).Msg("service error")
			}
		}
	}
}

// oneShotTarget resolves the peer address for send/send-file.
func oneShotTarget(settings config.Settings) (string, error) {
	addr := flagTo
	if addr == "" {
		addr = settings.Peer.Address
	}
	if addr == "" {
		return "", fail(exitConfig, "no peer address: pass --to or set peer.address")
	}
	return addr, nil
}

func runSend() error {
	if flagText == "" {
		return fail(exitConfig, "nothing to send: pass --text")
	}
	svc, settings, _, ctx, stop, err := bootstrap()
	if err != nil {
		return err
	}
	defer stop()

	addr, err := oneShotTarget(settings)
	if err != nil {
		return err
	}
	if err := svc.Submit(core.Connect{Addr: addr, Password: flagPassword}); err != nil {
		return fail(exitNetwork, "connect: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			svc.Submit(core.Shutdown{})
			return fail(exitInterrupted, "")
		case ev := <-svc.Events():
			switch e := ev.(type) {
			case core.Connected:
				if err := svc.Submit(core.SendText{Session: e.Session, Body: flagText}); err != nil {
					return fail(exitNetwork, "send: %v", err)
				}
				svc.Submit(core.Disconnect{Session: e.Session})
			case core.Disconnected:
				if e.Reason == core.KindDenied {
					return fail(exitDenied, "peer denied the connection: %s", e.Detail)
				}
				svc.Submit(core.Shutdown{})
				return nil
			case core.Error:
				if e.Kind == core.KindTransport {
					return fail(exitNetwork, "%s", e.Detail)
				}
			}
		}
	}
}

func runSendFile() error {
	if flagPath == "" {
		return fail(exitConfig, "nothing to send: pass --path")
	}
	svc, settings, _, ctx, stop, err := bootstrap()
	if err != nil {
		return err
	}
	defer stop()

	addr, err := oneShotTarget(settings)
	if err != nil {
		return err
	}
	if err := svc.Submit(core.Connect{Addr: addr, Password: flagPassword}); err != nil {
		return fail(exitNetwork, "connect: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			svc.Submit(core.Shutdown{})
			return fail(exitInterrupted, "")
		case ev := <-svc.Events():
			switch e := ev.(type) {
			case core.Connected:
				if err := svc.Submit(core.SendFile{Session: e.Session, Path: flagPath}); err != nil {
					var cmdErr *core.CommandError
					if errors.As(err, &cmdErr) && cmdErr.Kind == core.KindFileSystem {
						return fail(exitFileIO, "%v", err)
					}
					return fail(exitNetwork, "send-file: %v", err)
				}
			case core.FileTransferProgress:
				if e.Total > 0 {
					fmt.Printf("\r%3.0f%%", float64(e.BytesTransferred)*100/float64(e.Total))
				}
			case core.FileTransferCompleted:
				fmt.Printf("\rsent %s\n", e.Path)
				svc.Submit(core.Shutdown{})
				return nil
			case core.FileOfferRejected:
				return fail(exitDenied, "peer declined the file: %s", e.Reason)
			case core.FileTransferFailed:
				switch e.Kind {
				case core.KindFileSystem:
					return fail(exitFileIO, "transfer failed: %s", e.Kind)
				case core.KindDenied:
					return fail(exitDenied, "transfer failed: %s", e.Kind)
				default:
					return fail(exitNetwork, "transfer failed: %s", e.Kind)
				}
			case core.Disconnected:
				if e.Reason == core.KindDenied {
					return fail(exitDenied, "peer denied the connection: %s", e.Detail)
				}
				return fail(exitNetwork, "disconnected: %s", e.Reason)
			case core.Error:
				if e.Kind == core.KindTransport {
					return fail(exitNetwork, "%s", e.Detail)
				}
			}
		}
	}
}
