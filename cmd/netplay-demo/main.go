// Command netplay-demo drives the session package from the command
// line: one process hosts, another joins, and both print the frame
// accumulator and every netplay status line as the two machines stay
// in lockstep. It has no GUI — grounded on the teacher's cmd/dendy,
// but standing in for the window-driven outer loop there with a
// plain stdout Host, and on rustyguts-bken/server/cli.go for the
// version/host/join subcommand dispatch shape.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelnet/netplay/host"
	"github.com/kestrelnet/netplay/input"
	"github.com/kestrelnet/netplay/session"
	"github.com/kestrelnet/netplay/transport/quictransport"
)

const version = "0.1.0"

func main() {
	if run(os.Args[1:]) {
		return
	}

	fmt.Fprintln(os.Stderr, "usage: netplay-demo <version|host|join> [flags]")
	os.Exit(1)
}

// run handles subcommand dispatch. Returns true if a subcommand was
// recognized and handled, mirroring rustyguts-bken/server/cli.go's
// RunCLI.
func run(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("netplay-demo %s\n", version)
		return true
	case "host":
		return runHost(args[1:])
	case "join":
		return runJoin(args[1:])
	default:
		return false
	}
}

func runHost(args []string) bool {
	fs := flag.NewFlagSet("host", flag.ExitOnError)
	port := fs.Int("port", 9000, "local UDP port to listen on")
	nickname := fs.String("nickname", "host", "local player nickname")
	maxPlayers := fs.Int("max-players", 2, "maximum number of players")
	password := fs.String("password", "", "session password (empty admits anyone)")
	_ = fs.Parse(args)

	mach := newDemoMachine()
	mach.onFrame = logFrameProgress

	sess, err := newDemoSession(mach)
	if err != nil {
		log.Fatalf("[ERROR] new session: %v", err)
	}

	if err := sess.CreateSession(*nickname, *port, *maxPlayers, *password); err != nil {
		log.Fatalf("[ERROR] create session: %v", err)
	}
	log.Printf("[INFO] hosting on port %d as %q (max players %d)", *port, *nickname, *maxPlayers)

	runLoop(sess)
	return true
}

func runJoin(args []string) bool {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1", "host address to connect to")
	port := fs.Int("port", 9000, "host port to connect to")
	nickname := fs.String("nickname", "joiner", "local player nickname")
	password := fs.String("password", "", "session password")
	_ = fs.Parse(args)

	mach := newDemoMachine()
	mach.onFrame = logFrameProgress

	sess, err := newDemoSession(mach)
	if err != nil {
		log.Fatalf("[ERROR] new session: %v", err)
	}

	if err := sess.JoinSession(*nickname, *addr, *port, *password); err != nil {
		log.Fatalf("[ERROR] join session: %v", err)
	}
	log.Printf("[INFO] connecting to %s:%d as %q", *addr, *port, *nickname)

	runLoop(sess)
	return true
}

func newDemoSession(mach *demoMachine) (*session.Session, error) {
	return session.New(session.Config{
		Transport:     quictransport.New(),
		Machine:       mach,
		Host:          &stdoutHost{},
		InputProvider: zeroProvider{},
		ApplyInput: func(playerNumber int, value input.Bitfield) {
			mach.setButtons(playerNumber, uint8(value))
		},
	})
}

// runLoop drives ExecuteNetplay at the nominal 60Hz rate until the
// session goes inactive or the process receives an interrupt, per
// §5's single-threaded outer loop.
func runLoop(sess *session.Session) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for sess.IsActive() {
		select {
		case <-sig:
			log.Printf("[INFO] shutting down")
			return
		default:
		}

		if err := sess.ExecuteNetplay(); err != nil {
			log.Printf("[ERROR] netplay: %v", err)
		}

		// Running ticks already pace themselves via the Frame Pacer's
		// Throttle; the other states poll without blocking, so give
		// the CPU a breather between them here instead.
		if sess.State() != session.StateRunning {
			time.Sleep(2 * time.Millisecond)
		}
	}

	log.Printf("[INFO] session ended")
}

func logFrameProgress(frame uint32, acc uint64) {
	if frame%300 == 0 {
		log.Printf("[DEBUG] frame %d acc=%#x", frame, acc)
	}
}

// zeroProvider reports no input held on every binding; this demo
// exercises the connection/resync/rollback machinery without needing
// a real controller source.
type zeroProvider struct{}

func (zeroProvider) Value(slot, binding int) float64 { return 0 }

// stdoutHost is the host.Host implementation for this CLI: callbacks
// become bracketed log lines instead of GUI updates, except
// PumpMessagesOnCPUThread and Mute, which do nothing.
type stdoutHost struct{}

func (stdoutHost) OnNetplayMessage(text string) {
	log.Printf("[INFO] %s", text)
}

func (stdoutHost) DisplayLoadingScreen(text string, progress int) {
	if text == "" {
		return
	}
	if progress < 0 {
		log.Printf("[INFO] %s...", text)
		return
	}
	log.Printf("[INFO] %s (%d%%)", text, progress)
}

func (stdoutHost) PumpMessagesOnCPUThread() {}

func (stdoutHost) Mute(bool) {}

func (stdoutHost) ReportErrorAsync(title, message string) {
	log.Printf("[ERROR] %s: %s", title, message)
}

func (stdoutHost) SetNetplaySettingsLayer(overlay *host.SettingsOverlay) {
	if overlay == nil {
		log.Printf("[DEBUG] netplay settings overlay removed")
		return
	}
	log.Printf("[DEBUG] netplay settings overlay applied: controller=%s runahead=%d rewind=%v",
		overlay.ControllerType, overlay.RunaheadFrameCount, overlay.RewindEnable)
}
