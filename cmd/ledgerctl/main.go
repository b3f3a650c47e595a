// Command ledgerctl reads and writes the blood-donation ledger from the
// terminal, and can serve the read-only JSON API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emperorhan/blood-ledger/internal/account"
	"github.com/emperorhan/blood-ledger/internal/api"
	"github.com/emperorhan/blood-ledger/internal/app"
	"github.com/emperorhan/blood-ledger/internal/config"
	"github.com/emperorhan/blood-ledger/internal/domain/model"
	"github.com/emperorhan/blood-ledger/internal/errchan"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/emperorhan/blood-ledger/internal/projection"
	"github.com/emperorhan/blood-ledger/internal/session"
	"github.com/emperorhan/blood-ledger/internal/tracing"
	"github.com/emperorhan/blood-ledger/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var errUsage = errors.New("usage")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type cli struct {
	cfg    *config.Config
	app    *app.App
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
}

type command struct {
	usage string
	run   func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"status":     {"status", cmdStatus},
	"connect":    {"connect", cmdConnect},
	"disconnect": {"disconnect", cmdDisconnect},

	"history":     {"history [donor]", readView(addressArg(projection.DonationHistory))},
	"rewards":     {"rewards [donor]", readView(addressArg(projection.RewardPoints))},
	"inventory":   {"inventory [hospital]", readView(addressArg(projection.HospitalInventory))},
	"requests":    {"requests [-pending]", cmdRequests},
	"my-requests": {"my-requests [recipient]", readView(addressArg(projection.RecipientRequests))},
	"hospitals":   {"hospitals [-verified]", cmdHospitals},
	"schedules":   {"schedules [donor]", readView(addressArg(projection.DonorSchedules))},

	"register-donor":  {"register-donor <blood-group>", cmdRegisterDonor},
	"record-donation": {"record-donation <donor> <blood-group>", cmdRecordDonation},
	"request-blood":   {"request-blood <blood-group>", cmdRequestBlood},
	"update-request":  {"update-request <id> <PENDING|FULFILLED|REJECTED>", cmdUpdateRequest},
	"schedule":        {"schedule <hospital> <time>", cmdSchedule},
	"update-schedule": {"update-schedule <id> <SCHEDULED|COMPLETED|CANCELLED>", cmdUpdateSchedule},
	"verify-hospital": {"verify-hospital <hospital>", cmdVerifyHospital},
	"block-hospital":  {"block-hospital <hospital>", cmdBlockHospital},

	"profile": {"profile [-email e -password p] [-role r]", cmdProfile},
	"logout":  {"logout", cmdLogout},
	"serve":   {"serve [-addr host:port]", cmdServe},
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	yes := fs.Bool("yes", false, "approve wallet prompts without asking")
	fs.Usage = func() { printUsage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		printUsage(stderr, fs)
		return exitUsage
	}
	name, rest := fs.Arg(0), fs.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		printUsage(stderr, fs)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, "ledgerctl", tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return exitError
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	c := &cli{cfg: cfg, in: bufio.NewReader(stdin), out: stdout, errOut: stderr, logger: logger}
	approver := c.prompt
	if *yes {
		approver = nil
	}
	a, err := app.New(ctx, cfg, logger, app.WithApprover(approver))
	if err != nil {
		logger.Error("failed to start", "error", err)
		return exitError
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close error", "error", err)
		}
	}()
	c.app = a

	if err := cmd.run(ctx, c, rest); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "usage: ledgerctl %s\n", cmd.usage)
			return exitUsage
		}
		fmt.Fprintf(stderr, "Error: %s\n", ledgererr.Message(err))
		return exitError
	}
	return exitOK
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "usage: ledgerctl [-yes] <command> [args]")
	fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(w, "\nflags:")
	fs.PrintDefaults()
}

// prompt asks on stdin before the keystore exposes accounts or signs.
func (c *cli) prompt(ctx context.Context, req wallet.Approval) (bool, error) {
	switch req.Kind {
	case wallet.ApproveAccounts:
		fmt.Fprintf(c.errOut, "Connect account %s? [y/N] ", req.Account.Hex())
	default:
		fmt.Fprintf(c.errOut, "Sign transaction from %s to %s? [y/N] ", req.Account.Hex(), req.Tx.To)
	}
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// account resolves an optional address argument, defaulting to the
// connected account.
func (c *cli) account(args []string) (common.Address, error) {
	if len(args) > 1 {
		return common.Address{}, errUsage
	}
	if len(args) == 1 {
		return model.ParseAddress(args[0])
	}
	addr, ok := c.app.Binding().Account()
	if !ok {
		return common.Address{}, fmt.Errorf("no address given and %w", ledgererr.ErrNotConnected)
	}
	return addr, nil
}

type statusOutput struct {
	Session session.Session `json:"session"`
	Errors  []errchan.Entry `json:"errors,omitempty"`
}

func cmdStatus(ctx context.Context, c *cli, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	return c.print(statusOutput{Session: c.app.Session.Session(), Errors: c.app.Errors.Snapshot()})
}

func cmdConnect(ctx context.Context, c *cli, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if err := c.app.Session.Connect(ctx); err != nil {
		return err
	}
	return c.print(c.app.Session.Session())
}

func cmdDisconnect(ctx context.Context, c *cli, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if err := c.app.Session.Disconnect(ctx); err != nil {
		return err
	}
	return c.print(c.app.Session.Session())
}

type viewOutput struct {
	Value       any                      `json:"value"`
	Provisional []projection.Provisional `json:"provisional,omitempty"`
}

func readView[T any](def func(c *cli, args []string) (projection.Definition[T], error)) func(context.Context, *cli, []string) error {
	return func(ctx context.Context, c *cli, args []string) error {
		d, err := def(c, args)
		if err != nil {
			return err
		}
		lease := projection.Open(c.app.Views, d)
		defer lease.Close()
		value, err := lease.View(ctx)
		if err != nil {
			return err
		}
		return c.print(viewOutput{Value: value, Provisional: lease.Snapshot().Provisional})
	}
}

func addressArg[T any](plan func(common.Address) projection.Definition[T]) func(*cli, []string) (projection.Definition[T], error) {
	return func(c *cli, args []string) (projection.Definition[T], error) {
		addr, err := c.account(args)
		if err != nil {
			return projection.Definition[T]{}, err
		}
		return plan(addr), nil
	}
}

func cmdRequests(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("requests", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	pending := fs.Bool("pending", false, "only PENDING requests, for the connected hospital")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}
	if !*pending {
		return readView(func(*cli, []string) (projection.Definition[[]model.BloodRequest], error) {
			return projection.AllRequests(), nil
		})(ctx, c, nil)
	}
	return readView(addressArg(projection.PendingRequests))(ctx, c, nil)
}

func cmdHospitals(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("hospitals", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	verified := fs.Bool("verified", false, "only verified hospitals")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}
	return readView(func(*cli, []string) (projection.Definition[[]model.HospitalRecord], error) {
		return projection.HospitalDirectory(*verified), nil
	})(ctx, c, nil)
}

func cmdRegisterDonor(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	group, err := model.ParseBloodGroup(args[0])
	if err != nil {
		return err
	}
	receipt, err := c.app.Gateway.RegisterDonor(ctx, group)
	if err != nil {
		return err
	}
	return c.print(receipt)
}

func cmdRecordDonation(ctx context.Context, c *cli, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	donor, err := model.ParseAddress(args[0])
	if err != nil {
		return err
	}
	group, err := model.ParseBloodGroup(args[1])
	if err != nil {
		return err
	}
	receipt, err := c.app.Gateway.RecordBloodDonation(ctx, donor, group)
	if err != nil {
		return err
	}
	return c.print(receipt)
}

func cmdRequestBlood(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	group, err := model.ParseBloodGroup(args[0])
	if err != nil {
		return err
	}
	receipt, err := c.app.Gateway.RequestBlood(ctx, group)
	if err != nil {
		return err
	}
	return c.print(receipt)
}

func cmdUpdateRequest(ctx context.Context, c *cli, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("request id %q: %w", args[0], err)
	}
	status, err := model.ParseRequestStatus(args[1])
	if err != nil {
		return err
	}
	receipt, err := c.app.Gateway.UpdateRequestStatus(ctx, id, status)
	if err != nil {
		return err
	}
	return c.print(receipt)
}

// parseScheduleTime accepts RFC 3339 or a local "2006-01-02T15:04".
func parseScheduleTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", raw, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule time %q: want RFC 3339 or YYYY-MM-DDTHH:MM", raw)
	}
	return t, nil
}

func cmdSchedule(ctx context.Context, c *cli, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	hospital, err := model.ParseAddress(args[0])
	if err != nil {
		return err
	}
	at, err := parseScheduleTime(args[1])
	if err != nil {
		return err
	}
	receipt, err := c.app.Gateway.ScheduleDonation(ctx, hospital, at)
	if err != nil {
		return err
	}
	return c.print(receipt)
}

func cmdUpdateSchedule(ctx context.Context, c *cli, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("schedule id %q: %w", args[0], err)
	}
	status, err := model.ParseScheduleStatus(args[1])
	if err != nil {
		return err
	}
	receipt, err := c.app.Gateway.UpdateScheduleStatus(ctx, id, status)
	if err != nil {
		return err
	}
	return c.print(receipt)
}

func cmdVerifyHospital(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	hospital, err := model.ParseAddress(args[0])
	if err != nil {
		return err
	}
	receipt, err := c.app.Gateway.VerifyHospital(ctx, hospital)
	if err != nil {
		return err
	}
	return c.print(receipt)
}

func cmdBlockHospital(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	hospital, err := model.ParseAddress(args[0])
	if err != nil {
		return err
	}
	receipt, err := c.app.Gateway.BlockHospital(ctx, hospital)
	if err != nil {
		return err
	}
	return c.print(receipt)
}

func cmdProfile(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	email := fs.String("email", "", "log in with this email first")
	password := fs.String("password", "", "password for -email")
	roleFlag := fs.String("role", "", "profile role (default: role in the token)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}

	if *email != "" {
		if _, _, err := c.app.Account.Login(ctx, *email, *password); err != nil {
			return err
		}
	}
	if c.app.Account.Token() == "" {
		return account.ErrNotLoggedIn
	}

	var role account.Role
	if *roleFlag != "" {
		r, err := account.ParseRole(*roleFlag)
		if err != nil {
			return err
		}
		role = r
	} else {
		claims, err := account.ParseClaims(c.app.Account.Token())
		if err != nil {
			return err
		}
		role = claims.Role
	}

	user, err := c.app.Account.Profile(ctx, role)
	if err != nil {
		return err
	}
	return c.print(user)
}

func cmdLogout(ctx context.Context, c *cli, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if err := c.app.Logout(ctx); err != nil {
		return err
	}
	return c.print(c.app.Session.Session())
}

func cmdServe(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	addr := fs.String("addr", c.cfg.Server.Addr, "listen address")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}

	server := api.NewServer(c.app.Session, c.app.Errors, c.app.Views, c.logger,
		api.WithViewLimits(c.cfg.Server.MaxViews, c.cfg.Server.ViewIdleTTL))
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gCtx, *addr)
	})
	g.Go(func() error {
		sub := c.app.Session.Subscribe(func(s session.Session) {
			c.logger.Info("session changed", "state", s.State, "chain_id", s.ChainID)
		})
		<-gCtx.Done()
		sub.Unsubscribe()
		return nil
	})
	return g.Wait()
}
