package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/c-u-l8er/packetflow/internal/config"
	"github.com/c-u-l8er/packetflow/internal/fault"
	"github.com/c-u-l8er/packetflow/internal/logging"
	"github.com/c-u-l8er/packetflow/internal/molecule"
	"github.com/c-u-l8er/packetflow/internal/node"
	"github.com/c-u-l8er/packetflow/internal/optimizer"
	"github.com/c-u-l8er/packetflow/internal/packet"
	"github.com/c-u-l8er/packetflow/internal/reactor"
	"github.com/c-u-l8er/packetflow/internal/wire"
)

const version = "1.0.0"

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Demo flags
	demoPackets int

	// Submit flags
	submitFile string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "packetflow",
	Short: "PacketFlow - chemistry-based packet routing and composition engine",
	Long: `PacketFlow routes units of work (packets) to specialized processing nodes
the way chemistry routes electrons: packets belong to periodic groups with
derived properties, nodes advertise specializations, and an affinity function
decides who reacts with what.

Packets compose into molecules held together by typed bonds; a periodic
optimizer restructures unstable molecules and a fault detector quarantines
nodes that keep failing.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// runCmd runs the engine until interrupted
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reactor with the configured node topology",
	Long: `Boots the reactor core from .packetflow/config.yaml, creates the
configured nodes, registers the built-in handler set, and runs until
interrupted. The config file is watched; logging changes apply live.`,
	RunE: runReactor,
}

// demoCmd exercises the whole engine end to end
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted tour of routing, molecules, and fault handling",
	Long: `Boots the reactor and walks through the engine's behavior:
  1. Mixed-group packet throughput across the node topology
  2. Molecular composition and a live optimization pass
  3. Failure injection, quarantine, and rerouting
Prints a system health summary and exits.`,
	RunE: runDemo,
}

// submitCmd submits wire-format packets from a file
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit wire-format packets from a JSON file",
	Long: `Reads packets in the wire format (a JSON array or one JSON object per
line), submits them to a freshly booted reactor, and prints one wire result
per line.

Example packet:
  {"id":"<uuid>","group":"df","element":"echo","data":"hi","priority":5}`,
	RunE: runSubmit,
}

// statusCmd shows engine configuration status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show packetflow configuration status",
	RunE:  showStatus,
}

// configCmd groups configuration commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the packetflow configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config to .packetflow/config.yaml",
	RunE:  configInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the config file",
	RunE:  configValidate,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: <workspace>/.packetflow/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout for demo and submit")

	demoCmd.Flags().IntVar(&demoPackets, "packets", 60, "Packets to submit in the throughput stage")

	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "File of wire-format packets (required)")
	_ = submitCmd.MarkFlagRequired("file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// BOOT HELPERS
// =============================================================================

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func resolveConfigPath(ws string) string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(ws, ".packetflow", "config.yaml")
}

// loadConfig initializes logging and loads the validated config.
func loadConfig() (*config.Config, string, error) {
	ws := resolveWorkspace()
	if err := logging.Initialize(ws); err != nil {
		logger.Warn("file logging unavailable", zap.Error(err))
	}

	path := resolveConfigPath(ws)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// buildReactorConfig converts the file config into the typed reactor config.
func buildReactorConfig(cfg *config.Config) reactor.Config {
	rcfg := reactor.DefaultConfig()
	rcfg.DefaultSubmitTimeout = cfg.GetSubmitTimeout()
	rcfg.NodeActivityWindow = cfg.GetActivityWindow()
	rcfg.NodeDrainTimeout = cfg.GetDrainTimeout()
	rcfg.Optimizer = optimizer.Config{
		StabilityThreshold: cfg.Optimizer.StabilityThreshold,
		MaxCompositionSize: cfg.Optimizer.MaxCompositionSize,
		MaxRounds:          cfg.Optimizer.MaxRounds,
		MinImprovement:     cfg.Optimizer.MinImprovement,
		Interval:           cfg.GetOptimizerInterval(),
	}
	rcfg.Fault = fault.Config{
		WindowSize:        cfg.GetFaultWindow(),
		FailureThreshold:  cfg.Fault.FailureThreshold,
		SweepInterval:     cfg.GetFaultSweepInterval(),
		RecoveryThreshold: cfg.Fault.RecoveryThreshold,
	}
	return rcfg
}

// bootTopology creates the configured nodes.
func bootTopology(core *reactor.Core, cfg *config.Config) error {
	for _, spec := range cfg.Reactor.Nodes {
		for i := 0; i < spec.Count; i++ {
			n, err := core.AddNode(node.Specialization(spec.Specialization), spec.Capacity)
			if err != nil {
				return fmt.Errorf("creating %s node: %w", spec.Specialization, err)
			}
			logger.Debug("node online",
				zap.String("id", n.ID()),
				zap.Float64("capacity", spec.Capacity))
		}
	}
	return nil
}

// builtinHandlers is the handler set the CLI installs on every node for
// every group. Deployments embedding the engine register their own.
var builtinHandlers = map[string]node.Handler{
	"echo": func(ctx context.Context, data any) (any, error) {
		return data, nil
	},
	"compute": func(ctx context.Context, data any) (any, error) {
		h := fnv.New64a()
		fmt.Fprintf(h, "%v", data)
		return fmt.Sprintf("%016x", h.Sum64()), nil
	},
	"sleep": func(ctx context.Context, data any) (any, error) {
		s, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("sleep expects a duration string, got %T", data)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
		select {
		case <-time.After(d):
			return fmt.Sprintf("slept %v", d), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	},
	"fail": func(ctx context.Context, data any) (any, error) {
		return nil, errors.New("synthetic failure injected")
	},
}

func registerBuiltinHandlers(core *reactor.Core) error {
	for _, n := range core.Nodes() {
		for _, g := range packet.Groups() {
			for element, h := range builtinHandlers {
				if err := core.RegisterHandler(n.ID(), g, element, h); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func printHealth(core *reactor.Core) {
	h := core.SystemHealth()
	m := core.Metrics()
	dm := core.Detector().Metrics()

	fmt.Println()
	fmt.Println("System Health")
	fmt.Println("=============")
	fmt.Printf("  Nodes:       %d/%d healthy (ratio %.2f)\n", h.HealthyNodes, h.TotalNodes, h.HealthRatio)
	fmt.Printf("  Load:        %.2f average\n", h.AverageLoad)
	fmt.Printf("  Processed:   %d packets, %d handler errors\n", h.TotalProcessed, h.TotalErrors)
	fmt.Printf("  Molecules:   %d total, %d stable\n", h.Molecules, h.StableMolecules)
	fmt.Printf("  Submissions: %d total, %d unroutable, %d enqueue rejections\n",
		m.Submitted, m.RoutingFailures, m.EnqueueRejections)
	fmt.Printf("  Quarantine:  %d active, %d lifetime, %d recoveries\n",
		dm.ActiveQuarantines, dm.TotalQuarantines, dm.TotalRecoveries)
}

// =============================================================================
// RUN
// =============================================================================

func runReactor(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.CloseAll()

	core := reactor.New(buildReactorConfig(cfg))
	if err := bootTopology(core, cfg); err != nil {
		return err
	}
	if err := registerBuiltinHandlers(core); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	// Watch the config file so logging changes apply without a restart.
	// Engine tunables need a restart; say so instead of pretending.
	watcher, err := config.NewWatcher(path, func(updated *config.Config) {
		logger.Info("config file changed; engine tunables apply on next restart",
			zap.String("path", path))
	})
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	logger.Info("packetflow running",
		zap.String("version", version),
		zap.Int("nodes", len(core.Nodes())),
		zap.String("config", path))
	logging.Boot("packetflow %s started with %d nodes", version, len(core.Nodes()))

	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			printHealth(core)
			logging.Boot("packetflow stopped")
			return err
		case <-ticker.C:
			h := core.SystemHealth()
			logger.Info("health",
				zap.Int("healthy", h.HealthyNodes),
				zap.Int("nodes", h.TotalNodes),
				zap.Float64("avg_load", h.AverageLoad),
				zap.Int64("processed", h.TotalProcessed))
		}
	}
}

// =============================================================================
// DEMO
// =============================================================================

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\ndemo interrupted")
		cancel()
	}()

	core := reactor.New(buildReactorConfig(cfg))
	if err := bootTopology(core, cfg); err != nil {
		return err
	}
	if err := registerBuiltinHandlers(core); err != nil {
		return err
	}
	if err := core.Start(); err != nil {
		return err
	}
	defer func() { _ = core.Stop() }()

	fmt.Printf("packetflow %s demo\n", version)
	fmt.Println("==================")
	fmt.Printf("Topology: %d nodes\n", len(core.Nodes()))
	for _, n := range core.Nodes() {
		fmt.Printf("  %-18s capacity %.1f\n", n.ID(), n.MaxCapacity())
	}

	if err := demoThroughput(ctx, core); err != nil {
		return err
	}
	if err := demoMolecule(core); err != nil {
		return err
	}
	if err := demoFaults(ctx, core); err != nil {
		return err
	}

	printHealth(core)
	return nil
}

// demoThroughput fans mixed-group packets across the topology.
func demoThroughput(ctx context.Context, core *reactor.Core) error {
	fmt.Printf("\nStage 1: routing %d mixed-group packets\n", demoPackets)

	groups := packet.Groups()
	var succeeded, failed int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	start := time.Now()
	for i := 0; i < demoPackets; i++ {
		i := i
		g.Go(func() error {
			grp := groups[i%len(groups)]
			element := "echo"
			if i%3 == 0 {
				element = "compute"
			}
			p := packet.New(grp, element, fmt.Sprintf("payload-%d", i), 1+i%10)
			res, err := core.SubmitAndWait(gctx, p)
			if err != nil {
				return err
			}
			if res.OK() {
				atomic.AddInt64(&succeeded, 1)
			} else {
				atomic.AddInt64(&failed, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("  %d succeeded, %d rejected in %v\n", succeeded, failed, time.Since(start).Round(time.Millisecond))
	for _, n := range core.Nodes() {
		s := n.Stats()
		fmt.Printf("  %-18s processed %3d  error rate %.2f\n", s.ID, s.Processed, s.ErrorRate)
	}
	return nil
}

// demoMolecule builds a sequential pipeline and lets the optimizer
// restructure it for parallelism and locality.
func demoMolecule(core *reactor.Core) error {
	fmt.Println("\nStage 2: molecular composition")

	mol, err := core.CreateMolecule("pipeline")
	if err != nil {
		return err
	}
	var mutMu sync.Mutex
	mutations := make(map[molecule.Op]int)
	mol.OnChange(func(ev molecule.Event) {
		mutMu.Lock()
		mutations[ev.Op]++
		mutMu.Unlock()
	})

	stages := []string{"extract", "transform", "enrich", "load"}
	var prev packet.Packet
	for i, stage := range stages {
		p := packet.New(packet.GroupDataFlow, stage, nil, 5)
		mol.AddPacket(p)
		if i > 0 {
			if err := mol.AddBond(molecule.NewBond(prev.ID, p.ID, molecule.BondIonic)); err != nil {
				return err
			}
		}
		prev = p
	}
	fmt.Printf("  built %q: %d packets, %d ionic bonds, stability %.2f\n",
		mol.ID(), mol.Size(), len(stages)-1, mol.Stability())

	out := core.Engine().Optimizer().Optimize(mol)
	fmt.Printf("  optimizer: %d round(s), relaxed %d, linked %d, parallelized %d\n",
		out.Rounds, out.Relaxed, out.Linked, out.Parallelized)
	fmt.Printf("  stability %.2f -> %.2f (sequential bonds traded for parallel ones)\n",
		out.Before, out.After)
	mutMu.Lock()
	fmt.Printf("  change events: %d adds, %d new bonds, %d bond rewrites\n",
		mutations[molecule.OpAddPacket], mutations[molecule.OpAddBond], mutations[molecule.OpReplaceBond])
	mutMu.Unlock()
	return nil
}

// demoFaults drives failures at the data-flow favorite until the detector
// quarantines it, then shows traffic rerouting.
func demoFaults(ctx context.Context, core *reactor.Core) error {
	fmt.Println("\nStage 3: failure injection and quarantine")

	// Interleave successes so the target node stays below the health error
	// bound while its in-window failure count climbs to the threshold.
	for round := 0; round < 3; round++ {
		for i := 0; i < 15; i++ {
			p := packet.New(packet.GroupDataFlow, "echo", "steady", 5)
			if _, err := core.SubmitAndWait(ctx, p); err != nil {
				return err
			}
		}
		p := packet.New(packet.GroupDataFlow, "fail", nil, 5)
		res, err := core.SubmitAndWait(ctx, p)
		if err != nil {
			return err
		}
		fmt.Printf("  injected failure %d: %s (%s)\n", round+1, res.ErrorCode, res.ErrorMessage)
	}

	quarantined := core.Detector().Quarantined()
	if len(quarantined) == 0 {
		fmt.Println("  no node reached the quarantine threshold")
	} else {
		fmt.Printf("  quarantined: %s\n", strings.Join(quarantined, ", "))
	}

	p := packet.New(packet.GroupDataFlow, "echo", "rerouted", 5)
	res, err := core.SubmitAndWait(ctx, p)
	if err != nil {
		return err
	}
	if res.OK() {
		fmt.Println("  data-flow traffic rerouted around quarantine ✓")
	} else {
		fmt.Printf("  follow-up packet failed: %s\n", res.ErrorCode)
	}
	return nil
}

// =============================================================================
// SUBMIT
// =============================================================================

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.CloseAll()

	packets, err := readWirePackets(submitFile)
	if err != nil {
		return err
	}
	if len(packets) == 0 {
		return fmt.Errorf("no packets in %s", submitFile)
	}
	logger.Info("submitting packets", zap.Int("count", len(packets)), zap.String("file", submitFile))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	core := reactor.New(buildReactorConfig(cfg))
	if err := bootTopology(core, cfg); err != nil {
		return err
	}
	if err := registerBuiltinHandlers(core); err != nil {
		return err
	}
	if err := core.Start(); err != nil {
		return err
	}
	defer func() { _ = core.Stop() }()

	// Elements outside the built-in set get an echo handler so file-driven
	// experiments always have somewhere to land.
	for _, p := range packets {
		if _, ok := builtinHandlers[p.Element]; ok {
			continue
		}
		for _, n := range core.Nodes() {
			if err := core.RegisterHandler(n.ID(), p.Group, p.Element, builtinHandlers["echo"]); err != nil {
				return err
			}
		}
	}

	results := make([]packet.Result, len(packets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range packets {
		i, p := i, p
		g.Go(func() error {
			res, err := core.SubmitAndWait(gctx, p)
			if err != nil {
				return fmt.Errorf("packet %s: %w", p.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	for _, res := range results {
		if err := out.Encode(wire.FromResult(res)); err != nil {
			return err
		}
	}
	return nil
}

// readWirePackets parses a JSON array or one JSON object per line.
func readWirePackets(path string) ([]packet.Packet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var wps []wire.Packet
		if err := json.Unmarshal(trimmed, &wps); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		packets := make([]packet.Packet, 0, len(wps))
		for i, wp := range wps {
			p, err := wp.ToPacket()
			if err != nil {
				return nil, fmt.Errorf("%s: packet %d: %w", path, i, err)
			}
			packets = append(packets, p)
		}
		return packets, nil
	}

	var packets []packet.Packet
	for i, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		p, err := wire.DecodePacket(line)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", path, i+1, err)
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// =============================================================================
// STATUS AND CONFIG
// =============================================================================

func showStatus(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	path := resolveConfigPath(ws)

	fmt.Println("PacketFlow Status")
	fmt.Println("=================")
	fmt.Printf("Version:   %s\n", version)
	fmt.Printf("Workspace: %s\n", ws)

	if _, err := os.Stat(path); err != nil {
		fmt.Printf("✗ No config at %s (run 'packetflow config init')\n", path)
	} else {
		fmt.Printf("✓ Config: %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("✗ Config invalid: %v\n", err)
		return nil
	}
	fmt.Println("✓ Config valid")

	total := 0
	fmt.Println("Topology:")
	for _, spec := range cfg.Reactor.Nodes {
		fmt.Printf("  %d x %-14s capacity %.1f\n", spec.Count, spec.Specialization, spec.Capacity)
		total += spec.Count
	}
	fmt.Printf("  %d nodes total\n", total)
	fmt.Printf("Optimizer: every %v (stability threshold %.2f)\n",
		cfg.GetOptimizerInterval(), cfg.Optimizer.StabilityThreshold)
	fmt.Printf("Fault:     %d failures per %v quarantine\n",
		cfg.Fault.FailureThreshold, cfg.GetFaultWindow())
	return nil
}

func configInit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath(resolveWorkspace())
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func configValidate(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath(resolveWorkspace())
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Printf("✓ %s is valid\n", path)
	return nil
}
