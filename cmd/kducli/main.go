package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	kducer "github.com/kolver/kducer"
)

type commonOptions struct {
	Address string `short:"a" long:"address" description:"Controller address (host or host:port)" env:"KDUCLI_ADDRESS"`
	Config  string `short:"c" long:"config" description:"YAML configuration file"`
	Timeout int    `short:"t" long:"timeout" default:"30" description:"Per-operation timeout (in seconds)"`
	Verbose bool   `short:"v" long:"verbose" description:"Log session activity to stderr"`
}

// opCtx bounds a single operation. Long-lived waits like the watch loop use
// the base signal context directly so they run until interrupted.
func (c *commonOptions) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(c.Timeout)*time.Second)
}

func (c *commonOptions) open() (*kducer.Kducer, context.Context, context.CancelFunc, error) {
	var opts []kducer.Option
	if c.Verbose {
		opts = append(opts, kducer.WithLogger(kducer.NewDefaultLogger()))
	}

	var (
		session *kducer.Kducer
		err     error
	)
	switch {
	case c.Config != "":
		var cfg *kducer.Config
		cfg, err = kducer.LoadConfig(c.Config)
		if err == nil {
			session, err = kducer.NewFromConfig(cfg, opts...)
		}
	case c.Address != "":
		session, err = kducer.New(c.Address, opts...)
	default:
		err = fmt.Errorf("either --address or --config is required")
	}
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cleanup := func() {
		stop()
		session.Close()
	}

	waitCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := session.WaitConnected(waitCtx); err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("waiting for controller: %w", err)
	}
	return session, ctx, cleanup, nil
}

type infoCommand struct {
	commonOptions
}

func (c *infoCommand) Execute(args []string) error {
	session, baseCtx, cleanup, err := c.open()
	if err != nil {
		return err
	}
	defer cleanup()
	ctx, cancel := c.opCtx(baseCtx)
	defer cancel()

	version, _ := session.FirmwareVersion()
	program, err := session.ActiveProgram(ctx)
	if err != nil {
		return err
	}
	sequence, err := session.ActiveSequence(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("firmware version: %d\n", version)
	fmt.Printf("active program:   %d\n", program)
	fmt.Printf("active sequence:  %d\n", sequence)
	return nil
}

type selectCommand struct {
	commonOptions
	Args struct {
		Program uint16 `positional-arg-name:"program" required:"yes" description:"Program number to activate"`
	} `positional-args:"yes" required:"yes"`
}

func (c *selectCommand) Execute(args []string) error {
	session, baseCtx, cleanup, err := c.open()
	if err != nil {
		return err
	}
	defer cleanup()
	ctx, cancel := c.opCtx(baseCtx)
	defer cancel()

	if err := session.SelectProgram(ctx, c.Args.Program); err != nil {
		return err
	}
	fmt.Printf("program %d active\n", c.Args.Program)
	return nil
}

type runCommand struct {
	commonOptions
	Program uint16 `short:"p" long:"program" description:"Select this program before running"`
}

func (c *runCommand) Execute(args []string) error {
	session, baseCtx, cleanup, err := c.open()
	if err != nil {
		return err
	}
	defer cleanup()
	ctx, cancel := c.opCtx(baseCtx)
	defer cancel()

	if c.Program != 0 {
		if err := session.SelectProgram(ctx, c.Program); err != nil {
			return err
		}
	}
	ev, err := session.RunTool(ctx)
	if err != nil {
		return err
	}
	return printResult(ev)
}

type watchCommand struct {
	commonOptions
	Count int `short:"n" long:"count" description:"Exit after this many results (0 = forever)"`
}

func (c *watchCommand) Execute(args []string) error {
	session, ctx, cleanup, err := c.open()
	if err != nil {
		return err
	}
	defer cleanup()

	for n := 0; c.Count == 0 || n < c.Count; n++ {
		ev, err := session.FetchResult(ctx, false)
		if err != nil {
			return err
		}
		if err := printResult(ev); err != nil {
			return err
		}
	}
	return nil
}

type barcodeCommand struct {
	commonOptions
	Args struct {
		Barcode string `positional-arg-name:"barcode" required:"yes" description:"Up to 16 ASCII characters"`
	} `positional-args:"yes" required:"yes"`
}

func (c *barcodeCommand) Execute(args []string) error {
	session, baseCtx, cleanup, err := c.open()
	if err != nil {
		return err
	}
	defer cleanup()
	ctx, cancel := c.opCtx(baseCtx)
	defer cancel()

	return session.SendBarcode(ctx, c.Args.Barcode)
}

func printResult(ev kducer.ResultEvent) error {
	res, err := ev.Decode()
	if err != nil {
		return err
	}
	status := "OK"
	if !res.OK() {
		status = fmt.Sprintf("NOK (code %d)", res.ResultCode)
	}
	fmt.Printf("%s  program %-3d  torque %.2f/%.2f  angle %d  %s",
		ev.Timestamp.Format(time.RFC3339), res.ProgramNr,
		res.FinalTorque, res.TargetTorque, res.FinalAngle, status)
	if res.Barcode != "" {
		fmt.Printf("  barcode %s", res.Barcode)
	}
	fmt.Println()
	return nil
}

type cliCommands struct {
	Info    infoCommand    `command:"info" description:"Show controller identity and active selections"`
	Select  selectCommand  `command:"select" description:"Activate a tightening program"`
	Run     runCommand     `command:"run" description:"Run the tool once and print the result"`
	Watch   watchCommand   `command:"watch" description:"Stream tightening results as they arrive"`
	Barcode barcodeCommand `command:"barcode" description:"Attach a barcode to the next results"`
}

func main() {
	cli := cliCommands{}
	parser := flags.NewParser(&cli, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
