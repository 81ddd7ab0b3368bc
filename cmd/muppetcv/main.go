// Command muppetcv is the process entry point: it loads configuration,
// brings up the orchestrator and its DAC buses, starts the diagnostic HTTP
// surface, and waits for an OS signal to shut down cleanly. The overall
// shape — config load, per-device setup, HTTP mount, signal-driven
// shutdown — is grounded on cmd/dacsrv/main.go's main(), generalized from
// two hardcoded AP235/AP236 devices to a config-driven list of I2C DACs.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/theckman/yacspin"

	"github.com/bdube/muppetcv/config"
	"github.com/bdube/muppetcv/dacdriver"
	"github.com/bdube/muppetcv/diagserver"
	"github.com/bdube/muppetcv/electricmayhem"
	"github.com/bdube/muppetcv/i2ctransport"
	"github.com/bdube/muppetcv/sample"
	"github.com/bdube/muppetcv/simtransport"
)

var (
	configPath = envOr("MUPPETCV_CONFIG", "muppetcv.yml")
	listenAddr = envOr("MUPPETCV_ADDR", ":8080")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openBus resolves a configured bus id to a live i2ctransport.Bus. This
// build has no real I2C backend wired in (that requires a platform-specific
// driver outside this module's scope), so every bus id maps to an
// in-memory simtransport.Bus; swapping in a real bus here is the only
// change a hardware-backed build needs.
func openBus(busID int) i2ctransport.Bus {
	return simtransport.New(fmt.Sprintf("bus%d", busID))
}

func buildDescriptors(c config.Config) ([]electricmayhem.Descriptor, []diagserver.Faulter) {
	descs := make([]electricmayhem.Descriptor, len(c.DACs))
	faulters := make([]diagserver.Faulter, len(c.DACs))
	for i, dc := range c.DACs {
		bus := openBus(dc.BusID)
		descs[i] = electricmayhem.Descriptor{
			Board:          dacdriver.Descriptor{Address: uint8(dc.Address), Latch: nil},
			Bus:            bus,
			DMAQueueDepth:  dc.DMAQueueDepth,
			HandshakeRetry: dc.HandshakeRetry,
		}
		if sb, ok := bus.(*simtransport.Bus); ok {
			faulters[i] = sb
		}
	}
	return descs, faulters
}

func startupSpinner(msg string) *yacspin.Spinner {
	cfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " ",
		Message:         msg,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	s, err := yacspin.New(cfg)
	if err != nil {
		log.Fatalf("muppetcv: building startup spinner: %v", err)
	}
	return s
}

func main() {
	c, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("muppetcv: loading config: %v", err)
	}

	spinner := startupSpinner("initialising DAC drivers")
	_ = spinner.Start()

	descs, faulters := buildDescriptors(c)
	orch, err := electricmayhem.New(descs, c.OrchestratorConfig())
	if err != nil {
		_ = spinner.StopFail()
		log.Fatalf("muppetcv: building orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Initialise(ctx); err != nil {
		_ = spinner.StopFail()
		log.Fatalf("muppetcv: initialising DACs: %v", err)
	}
	_ = spinner.Stop()

	orch.Start(ctx)
	defer orch.Shutdown()

	if failed := orch.SelfTest(ctx); len(failed) > 0 {
		color.Yellow("self-test: DAC(s) %v did not converge to centre at boot", failed)
	}

	live := diagserver.NewLiveness(c.OrchestratorConfig().ForceRefresh, sample.Sample(2048))
	live.Start()
	defer live.Stop()

	diag := diagserver.New(orch, faulters, live)
	srv := &http.Server{Addr: listenAddr, Handler: diag.Router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("muppetcv: diagnostic server: %v", err)
		}
	}()

	printStartupSummary(orch, c)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func printStartupSummary(orch *electricmayhem.Orchestrator, c config.Config) {
	status := color.New(color.FgGreen).SprintFunc()
	if orch.AnyFatal() {
		status = color.New(color.FgRed).SprintFunc()
	}
	fmt.Printf("muppetcv: %d DAC(s), mode=%s, listening on %s [%s]\n",
		orch.DACCount(), c.Mode, listenAddr, status("ready"))
}
