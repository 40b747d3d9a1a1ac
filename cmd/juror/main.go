package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"juryflow/batch"
	"juryflow/commitment"
	"juryflow/config"
	"juryflow/db"
	"juryflow/lifecycle"
	"juryflow/matchmaker"
	"juryflow/metadata"
	"juryflow/migrations"
	"juryflow/registry"
	"juryflow/secret"
	"juryflow/signer"
	"juryflow/voting"
)

const usage = `usage: juror [-verbosity N] <command> [flags] [args]

commands:
  find [-all]                 pick an open dispute to join
  show <id>                   print a dispute and the actions open to you
  join <id>                   join a dispute as juror (approves the stake)
  pay <id> [-amount N]        pay the required stake of a dispute
  commit <id> <vote>          commit a vote (0|defendant, 1|claimant)
  reveal <id>                 reveal the vote committed from this device
  execute <id>                execute the ruling of a dispute in reveal
  create -defendant ADDR ...  open a new dispute
  secret <id> [-prune]        report (or delete) the local vote secret

configuration is read from JURYFLOW_* environment variables.
`

// writeCommands need a connected signer.
var writeCommands = map[string]bool{
	"join": true, "pay": true, "commit": true, "reveal": true, "execute": true, "create": true,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("juror", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	verbosity := fs.Int("verbosity", -1, "Log level 0-5 (0=silent, 5=trace); overrides JURYFLOW_VERBOSITY")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	command, rest := fs.Arg(0), fs.Args()[1:]
	if _, ok := handlers[command]; !ok {
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n%s", command, usage)
		return 2
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *verbosity >= 0 {
		cfg.Verbosity = *verbosity
	}
	setupLogging(stderr, cfg.Verbosity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, writeCommands[command])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer app.Close()
	app.out = stdout

	if err := handlers[command](ctx, app, rest); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describe(err))
		return 1
	}
	return 0
}

func setupLogging(w io.Writer, verbosity int) {
	if verbosity <= 0 {
		log.SetDefault(log.NewLogger(log.DiscardHandler()))
		return
	}
	var lvl slog.Level
	switch {
	case verbosity == 1:
		lvl = slog.LevelError
	case verbosity == 2:
		lvl = slog.LevelWarn
	case verbosity == 3:
		lvl = slog.LevelInfo
	case verbosity == 4:
		lvl = slog.LevelDebug
	default:
		lvl = log.LevelTrace
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(w, lvl, true)))
}

// describe prefers the registry's user-facing text for reverts.
func describe(err error) string {
	var rev *registry.RevertError
	if errors.As(err, &rev) {
		return fmt.Sprintf("%s (%v)", rev.UserMessage(), err)
	}
	switch {
	case errors.Is(err, lifecycle.ErrMissingLocalSecret):
		return "no vote secret on this device; the vote was probably committed from another device"
	case errors.Is(err, matchmaker.ErrNoDisputesAvailable), errors.Is(err, matchmaker.ErrNoMatchFound):
		return err.Error() + "; try again later"
	}
	return err.Error()
}

type app struct {
	cfg     config.Config
	client  *ethclient.Client
	conn    *signer.Connection
	reg     *registry.EthRegistry
	store   secret.Store
	matcher *matchmaker.Matchmaker
	svc     *voting.Service
	closers []func()
	out     io.Writer
}

func newApp(ctx context.Context, cfg config.Config, needSigner bool) (*app, error) {
	a := &app{cfg: cfg, out: os.Stdout}
	logger := log.Root()

	client, err := ethclient.DialContext(ctx, cfg.Network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Network.RPCURL, err)
	}
	a.client = client
	a.closers = append(a.closers, client.Close)

	a.reg = registry.NewEthRegistry(client, cfg.Registry, cfg.Network.ChainID).
		WithStakeToken(cfg.Network.StakeToken).
		WithReceiptPoll(cfg.ReceiptPoll).
		WithLogger(logger)

	var account voting.Account
	if signerConfigured(cfg.Signer) {
		conn, err := signer.Connect(ctx, cfg.Signer, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.conn = conn
		a.closers = append(a.closers, conn.Disconnect)
		a.reg.WithSigner(conn)
		account = conn
	} else if needSigner {
		a.Close()
		return nil, errors.New("this command needs a signer: set JURYFLOW_PRIVATE_KEY or JURYFLOW_SIGNER=external")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	a.matcher = matchmaker.New(a.reg).
		WithPool(batch.New(cfg.BatchSize, cfg.BatchPause)).
		WithLogger(logger)
	a.svc = voting.NewService(a.reg, store, account).
		WithMatchmaker(a.matcher).
		WithMetadata(metadata.NewClient(cfg.IPFSGateway)).
		WithLogger(logger)
	return a, nil
}

func signerConfigured(c signer.Config) bool {
	if c.Mode == signer.ModeExternal {
		return true
	}
	return c.PrivateKey != ""
}

func (a *app) openStore(ctx context.Context) (secret.Store, error) {
	switch a.cfg.SecretBackend {
	case config.SecretMemory:
		log.Warn("Vote secrets are kept in memory and lost on exit")
		return secret.NewMemoryStore(), nil
	case config.SecretPostgres:
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
			return nil, err
		}
		return secret.NewPGStore(pool), nil
	default:
		return secret.OpenFileStore(a.cfg.SecretFile)
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) printResult(action string, id uint64, res voting.Result) {
	a.printf("%s dispute #%d confirmed\n  tx: %s\n", action, id, a.cfg.ExplorerTx(res.TxHash))
}

var handlers = map[string]func(ctx context.Context, a *app, args []string) error{
	"find":    cmdFind,
	"show":    cmdShow,
	"join":    cmdJoin,
	"pay":     cmdPay,
	"commit":  cmdCommit,
	"reveal":  cmdReveal,
	"execute": cmdExecute,
	"create":  cmdCreate,
	"secret":  cmdSecret,
}

func cmdFind(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	all := fs.Bool("all", false, "List every open dispute instead of picking one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*all {
		id, err := a.svc.FindOpenDispute(ctx)
		if err != nil {
			return err
		}
		a.printf("%d\n", id)
		return nil
	}

	ids, stats, err := a.matcher.Scan(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		a.printf("%d\n", id)
	}
	if stats.Failed > 0 {
		log.Warn("Some disputes could not be read", "failed", stats.Failed, "total", stats.Total)
	}
	return nil
}

func cmdShow(ctx context.Context, a *app, args []string) error {
	id, _, err := parseID("show", args, 0)
	if err != nil {
		return err
	}
	view, err := a.svc.Dispute(ctx, id)
	if err != nil {
		return err
	}
	rec := view.Record
	a.printf("Dispute #%d: %s\n", rec.ID, view.Metadata.Title)
	a.printf("  category:  %s\n", rec.Category)
	a.printf("  phase:     %s\n", view.Phase)
	a.printf("  claimant:  %s\n", rec.Claimant.Hex())
	a.printf("  defendant: %s\n", rec.Defendant.Hex())
	a.printf("  jurors:    %d\n", rec.JurorsRequired)
	if rec.RequiredStake != nil {
		a.printf("  stake:     %s\n", rec.RequiredStake)
	}
	if deadline := rec.DeadlineFor(view.Phase); !deadline.IsZero() {
		a.printf("  deadline:  %s\n", deadline.Format(time.RFC3339))
	}
	if rec.Winner != nil {
		a.printf("  winner:    %s\n", rec.Winner.Hex())
	}
	a.printf("  %s\n", view.Metadata.Description)
	for _, e := range view.Metadata.Evidence {
		a.printf("  evidence:  %s\n", e)
	}
	a.printf("  local secret: %t\n", view.HasLocalSecret)
	if len(view.Allowed) > 0 {
		names := make([]string, 0, len(view.Allowed))
		for _, act := range view.Allowed {
			names = append(names, string(act))
		}
		a.printf("  you can: %s\n", strings.Join(names, ", "))
	}
	return nil
}

func cmdJoin(ctx context.Context, a *app, args []string) error {
	id, _, err := parseID("join", args, 0)
	if err != nil {
		return err
	}
	res, err := a.svc.Join(ctx, id)
	if err != nil {
		return err
	}
	a.printResult("Join", id, res)
	return nil
}

func cmdPay(ctx context.Context, a *app, args []string) error {
	id, amount, err := parsePayArgs(args)
	if err != nil {
		return err
	}
	res, err := a.svc.Pay(ctx, id, amount)
	if err != nil {
		return err
	}
	a.printResult("Payment for", id, res)
	return nil
}

// parsePayArgs returns a nil amount when -amount is absent.
func parsePayArgs(args []string) (uint64, *big.Int, error) {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	amountFlag := fs.String("amount", "", "Amount in token base units; defaults to the required stake")
	id, err := parseIDAndFlags("pay", fs, args)
	if err != nil {
		return 0, nil, err
	}
	if *amountFlag == "" {
		return id, nil, nil
	}
	amount, ok := new(big.Int).SetString(*amountFlag, 10)
	if !ok || amount.Sign() < 0 {
		return 0, nil, fmt.Errorf("pay: invalid amount %q", *amountFlag)
	}
	return id, amount, nil
}

func cmdCommit(ctx context.Context, a *app, args []string) error {
	id, rest, err := parseID("commit", args, 1)
	if err != nil {
		return err
	}
	vote, err := parseVote(rest[0])
	if err != nil {
		return err
	}
	res, err := a.svc.Commit(ctx, id, vote)
	if err != nil {
		return err
	}
	a.printResult("Vote commitment for", id, res)
	a.printf("  commitment: %s\n  keep this device: the reveal needs the secret stored here\n", res.Commitment.Hex())
	return nil
}

func cmdReveal(ctx context.Context, a *app, args []string) error {
	id, _, err := parseID("reveal", args, 0)
	if err != nil {
		return err
	}
	res, err := a.svc.Reveal(ctx, id)
	if err != nil {
		return err
	}
	a.printResult("Reveal for", id, res)
	return nil
}

func cmdExecute(ctx context.Context, a *app, args []string) error {
	id, _, err := parseID("execute", args, 0)
	if err != nil {
		return err
	}
	res, err := a.svc.ExecuteRuling(ctx, id)
	if err != nil {
		return err
	}
	a.printResult("Ruling of", id, res)
	return nil
}

func cmdCreate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	defendant := fs.String("defendant", "", "Address of the defendant")
	category := fs.String("category", "General", "Dispute category")
	pointer := fs.String("metadata", "", "IPFS CID of the dispute description")
	jurors := fs.Uint64("jurors", registry.DefaultJurorsRequired, "Number of jurors")
	payWindow := fs.Duration("pay-window", registry.DefaultPhaseWindow, "Payment phase length")
	commitWindow := fs.Duration("commit-window", registry.DefaultPhaseWindow, "Commit phase length")
	revealWindow := fs.Duration("reveal-window", registry.DefaultPhaseWindow, "Reveal phase length")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*defendant) {
		return fmt.Errorf("create: -defendant must be an address, got %q", *defendant)
	}
	res, err := a.svc.CreateDispute(ctx, registry.CreateParams{
		Defendant:       common.HexToAddress(*defendant),
		Category:        *category,
		MetadataPointer: *pointer,
		JurorsRequired:  *jurors,
		PayWindow:       *payWindow,
		CommitWindow:    *commitWindow,
		RevealWindow:    *revealWindow,
	})
	if err != nil {
		return err
	}
	a.printf("Dispute created\n  tx: %s\n", a.cfg.ExplorerTx(res.TxHash))
	return nil
}

func cmdSecret(ctx context.Context, a *app, args []string) error {
	id, prune, err := parseSecretArgs(args)
	if err != nil {
		return err
	}
	key, err := a.svc.Key(id)
	if err != nil {
		return err
	}
	has, err := a.svc.HasLocalSecret(ctx, key)
	if err != nil {
		return err
	}
	a.printf("secret %s: %t\n", key, has)
	if !prune || !has {
		return nil
	}

	rec, err := a.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Phase().Terminal() {
		return fmt.Errorf("secret: dispute %d is %s; secrets are pruned only after it finishes", id, rec.Phase())
	}
	if err := a.store.Delete(ctx, key); err != nil {
		return err
	}
	a.printf("secret %s: pruned\n", key)
	return nil
}

func parseSecretArgs(args []string) (uint64, bool, error) {
	fs := flag.NewFlagSet("secret", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	prune := fs.Bool("prune", false, "Delete the secret once the dispute is finished")
	id, err := parseIDAndFlags("secret", fs, args)
	if err != nil {
		return 0, false, err
	}
	return id, *prune, nil
}

// parseIDAndFlags accepts the dispute id either before or after the flags.
// flag.Parse stops at the first positional argument, so a leading id is
// taken off before parsing.
func parseIDAndFlags(cmd string, fs *flag.FlagSet, args []string) (uint64, error) {
	var positional []string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		positional = []string{args[0]}
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return 0, fmt.Errorf("%s: %w", cmd, err)
	}
	id, _, err := parseID(cmd, append(positional, fs.Args()...), 0)
	return id, err
}

// parseID reads the dispute id from args[0] and requires extra more arguments.
func parseID(cmd string, args []string, extra int) (uint64, []string, error) {
	if len(args) != 1+extra {
		return 0, nil, fmt.Errorf("%s: expected %d argument(s), got %d", cmd, 1+extra, len(args))
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: invalid dispute id %q", cmd, args[0])
	}
	return id, args[1:], nil
}

func parseVote(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "0", "defendant":
		return commitment.VoteDefendant, nil
	case "1", "claimant":
		return commitment.VoteClaimant, nil
	}
	return 0, fmt.Errorf("commit: vote must be 0|defendant or 1|claimant, got %q", s)
}
