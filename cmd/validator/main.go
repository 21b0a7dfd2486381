package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"paracord-validate/internal/adapter/rest"
	"paracord-validate/internal/infra/config"
	"paracord-validate/internal/infra/logger"
	"paracord-validate/internal/infra/tracer"
	"paracord-validate/internal/security"
	"paracord-validate/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	var err error
	switch cmd := subcommand(); cmd {
	case "run":
		err = runValidation()
	case "doctor":
		err = runDoctor()
	case "seal":
		err = runSeal()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'paracord-validate --help' for usage.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// subcommand returns the requested subcommand, defaulting to "run" when only
// flags are given.
func subcommand() string {
	if len(os.Args) < 2 || os.Args[1][0] == '-' {
		return "run"
	}
	return os.Args[1]
}

// configPath finds --config PATH among the args, defaulting to ./config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return "config.yaml"
}

func runValidation() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer setup: %w", err)
	}
	defer shutdownTracer(context.Background())

	return usecase.NewRunner(cfg, log).Run(ctx)
}

// runDoctor checks reachability and identity of the configured nodes without
// mutating anything on them.
func runDoctor() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := rest.NewClient(cfg.HTTP, cfg.InsecureTLS, log)
	failures := 0
	for key, nc := range map[string]config.NodeConfig{
		"a": cfg.Nodes.A, "b": cfg.Nodes.B, "c": cfg.Nodes.C,
	} {
		node, err := rest.Discover(ctx, client, key, nc.URL)
		if err != nil {
			fmt.Printf("node %s: FAIL: %v\n", key, err)
			failures++
			continue
		}
		fmt.Printf("node %s: ok (%s, federation %s)\n", key, node.ServerName, node.FederationEndpoint)
	}
	if failures > 0 {
		return fmt.Errorf("%d node(s) failed the checkup", failures)
	}
	fmt.Println("all nodes healthy")
	return nil
}

// runSeal encrypts a signing seed for at-rest storage in config or CI
// variables. Both seed and passphrase are read interactively, never from
// argv.
func runSeal() error {
	fmt.Fprint(os.Stderr, "signing seed (hex): ")
	seed, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	fmt.Fprint(os.Stderr, "passphrase: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}

	sealed, err := security.SealSeed(string(seed), string(pass))
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

func showUsage() {
	fmt.Println(`paracord-validate - live federation validation for Paracord deployments

USAGE:
    paracord-validate [COMMAND] [FLAGS]

COMMANDS:
    run         Execute the validation scenario (default)
    doctor      Check node reachability and identity, mutate nothing
    seal        Encrypt a signing seed for at-rest storage

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: PARAVAL_* variables override config
    PARAVAL_KEY_PASSPHRASE unlocks an enc: signing seed

EXAMPLES:
    paracord-validate                          # one validation pass
    paracord-validate --config staging.yaml    # against another deployment
    paracord-validate doctor                   # pre-flight connectivity check
    PARAVAL_SCHEDULE="@every 15m" paracord-validate   # continuous validation`)
}
