package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
	"github.com/vincent-petithory/dataurl"

	"chatsync/internal/db"
	"chatsync/internal/services"
	"chatsync/internal/store"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Start the HTTP trigger server",
	Action: cmdServe,
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run sync invocations for an instance",
	ArgsUsage: "INSTANCE",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "phase", Usage: "Start (or pin) at this phase instead of resuming stored progress"},
		&cli.IntFlag{Name: "offset", Usage: "Offset within the phase"},
		&cli.BoolFlag{Name: "pinned", Usage: "Run only the given phase"},
		&cli.BoolFlag{Name: "restart", Usage: "Discard stored progress and start from the first phase"},
		&cli.BoolFlag{Name: "force-avatars", Usage: "Refresh avatars that are already set"},
		&cli.BoolFlag{Name: "until-done", Usage: "Keep invoking until the run completes"},
		&cli.IntFlag{Name: "max-invocations", Value: 100, Usage: "Upper bound for --until-done"},
	},
	Action: cmdRun,
}

var migrateCommand = &cli.Command{
	Name:   "migrate",
	Usage:  "Apply store migrations and prepare the progress ledger",
	Action: cmdMigrate,
}

var stateCommand = &cli.Command{
	Name:      "state",
	Usage:     "Show connection state, stored progress and recent runs of an instance",
	ArgsUsage: "INSTANCE",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "runs", Value: 10, Usage: "Number of recent runs to show"},
	},
	Action: cmdState,
}

var pairingCommand = &cli.Command{
	Name:      "pairing",
	Usage:     "Print the pairing QR code of an instance",
	ArgsUsage: "INSTANCE",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Usage: "Also write the QR code as a PNG file"},
		&cli.BoolFlag{Name: "ascii", Usage: "Use a compact text rendering"},
	},
	Action: cmdPairing,
}

func instanceArg(ctx *cli.Context) (string, error) {
	name := strings.TrimSpace(ctx.Args().First())
	if name == "" {
		return "", cli.Exit("an instance name is required", 2)
	}
	return name, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdServe(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	a, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.delivery.Start(sigCtx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newServer(a.orchestrator, a.progress, a.delivery, cfg.AdminToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Trigger server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-sigCtx.Done():
		log.Info().Msg("Shutting down trigger server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.TimeBudget+10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
	}
	return nil
}

func cmdRun(ctx *cli.Context) error {
	instance, err := instanceArg(ctx)
	if err != nil {
		return err
	}
	if ctx.Bool("pinned") && ctx.String("phase") == "" {
		return cli.Exit("--pinned requires --phase", 2)
	}

	a, err := bootstrap(getConfig(ctx))
	if err != nil {
		return err
	}
	defer a.Close()

	req := services.Request{
		Instance:     instance,
		Phase:        services.Phase(ctx.String("phase")),
		Offset:       ctx.Int("offset"),
		Pinned:       ctx.Bool("pinned"),
		Restart:      ctx.Bool("restart"),
		ForceAvatars: ctx.Bool("force-avatars"),
	}

	limit := 1
	if ctx.Bool("until-done") {
		limit = max(ctx.Int("max-invocations"), 1)
	}

	return runInvocations(ctx.Context, a.orchestrator, req, limit, func(res *services.Result) error {
		if _, err := a.delivery.DeliverResult(res); err != nil {
			log.Error().Err(err).Msg("Could not queue result delivery")
		}
		return printJSON(res)
	})
}

// runInvocations invokes runner until a result completes, limit is reached or an
// invocation leaves its phase without processing anything. Later invocations resume
// from stored progress, which keeps a pinned phase pinned.
func runInvocations(ctx context.Context, runner syncRunner, req services.Request, limit int, onResult func(*services.Result) error) error {
	for i := 0; i < limit; i++ {
		res, runErr := runner.Run(ctx, req)
		if res != nil {
			if err := onResult(res); err != nil {
				return err
			}
		}
		if runErr != nil {
			return runErr
		}
		if !res.NeedsContinue {
			return nil
		}
		if res.ProcessedItems == 0 && res.NextPhase == res.Phase {
			log.Warn().Str("instance", req.Instance).Str("phase", string(res.Phase)).Int("invocations", i+1).Msg("Invocation made no progress, stopping")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		req = services.Request{Instance: req.Instance, ForceAvatars: req.ForceAvatars}
	}

	if limit > 1 {
		log.Warn().Int("invocations", limit).Str("instance", req.Instance).Msg("Stopped before completion")
	}
	return nil
}

func cmdMigrate(ctx *cli.Context) error {
	cfg := getConfig(ctx)

	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.Migrate()
	if err != nil {
		return err
	}
	log.Info().Uint("version", res.Version).Bool("changed", res.Changed).Msg("Store migrated")

	if err := db.InitDB(cfg.LedgerDSN); err != nil {
		return err
	}
	if err := db.MigrateDB(); err != nil {
		return err
	}
	log.Info().Str("dsn", cfg.LedgerDSN).Msg("Ledger migrated")
	return nil
}

func cmdState(ctx *cli.Context) error {
	instance, err := instanceArg(ctx)
	if err != nil {
		return err
	}
	cfg := getConfig(ctx)

	remote, err := newRemote(cfg)
	if err != nil {
		return err
	}
	progress, err := openLedger(cfg)
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"instance": instance,
		"allowed":  Find(cfg.AllowedInstances, instance) || Find(cfg.AllowedInstances, "*"),
	}
	if state, err := remote.ConnectionState(ctx.Context, instance); err != nil {
		out["connectionError"] = err.Error()
	} else {
		out["connectionState"] = state
	}

	p, err := progress.Load(ctx.Context, instance)
	if err != nil {
		return err
	}
	if p != nil {
		out["progress"] = map[string]interface{}{
			"phase":     p.Phase,
			"offset":    p.Offset,
			"pinned":    p.Pinned,
			"startedAt": p.StartedAt,
			"updatedAt": p.UpdatedAt,
		}
	}

	runs, err := progress.RecentRuns(ctx.Context, instance, ctx.Int("runs"))
	if err != nil {
		return err
	}
	out["recentRuns"] = runs
	return printJSON(out)
}

func cmdPairing(ctx *cli.Context) error {
	instance, err := instanceArg(ctx)
	if err != nil {
		return err
	}
	remote, err := newRemote(getConfig(ctx))
	if err != nil {
		return err
	}

	pairing, err := remote.PairingCode(ctx.Context, instance)
	if err != nil {
		return err
	}
	if pairing.Code == "" && pairing.Base64 == "" {
		fmt.Println("No pairing code available; the instance may already be connected.")
		return nil
	}

	if pairing.Code != "" {
		if ctx.Bool("ascii") {
			qr, err := qrcode.New(pairing.Code, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("failed to render QR code: %w", err)
			}
			fmt.Print(qr.ToSmallString(false))
		} else {
			qrterminal.GenerateHalfBlock(pairing.Code, qrterminal.L, os.Stdout)
		}
	}
	if pairing.PairingCode != "" {
		fmt.Printf("Pairing code: %s\n", pairing.PairingCode)
	}

	if out := ctx.String("out"); out != "" {
		if err := writePairingPNG(pairing.Code, pairing.Base64, out); err != nil {
			return err
		}
		log.Info().Str("file", out).Msg("QR code written")
	}
	return nil
}

// writePairingPNG renders code into path, falling back to the image the remote already rendered.
func writePairingPNG(code, base64Image, path string) error {
	if code != "" {
		if err := qrcode.WriteFile(code, qrcode.Medium, 256, path); err != nil {
			return fmt.Errorf("failed to write QR code: %w", err)
		}
		return nil
	}
	du, err := dataurl.DecodeString(base64Image)
	if err != nil {
		return fmt.Errorf("failed to decode QR image: %w", err)
	}
	if err := os.WriteFile(path, du.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write QR image: %w", err)
	}
	return nil
}
