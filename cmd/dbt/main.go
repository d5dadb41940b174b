// dbt is a thin demonstration front end: it loads a flat image of ARM64
// machine code into guest memory, runs the translator from an entry
// point, and reports the final register file and pipeline statistics.
// Guest ELF parsing, VDSO, signals, and full syscall emulation are
// external collaborators and intentionally absent here; a minimal
// write/exit syscall dispatcher is provided so simple guests can print
// and terminate.
package main

import (
	"fmt"
	"os"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/arm64x/dbt/internal/config"
	"github.com/arm64x/dbt/internal/golog"
	"github.com/arm64x/dbt/internal/translator"
)

var (
	imgFlag = cli.StringFlag{
		Name:  "img",
		Usage: "flat binary image of ARM64 guest code",
	}
	baseFlag = cli.Uint64Flag{
		Name:  "base",
		Usage: "guest load address of the image",
		Value: config.DefaultGuestMemBase,
	}
	entryFlag = cli.Uint64Flag{
		Name:  "entry",
		Usage: "guest entry PC (defaults to the load base)",
	}
	memFlag = cli.IntFlag{
		Name:  "memsize",
		Usage: "guest memory size in bytes",
		Value: config.DefaultGuestMemSize,
	}
	cacheFlag = cli.IntFlag{
		Name:  "codecache",
		Usage: "code cache size in bytes",
		Value: config.DefaultCodeCacheSize,
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit .. 5=trace)",
		Value: int(golog.LvlInfo),
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "dbt"
	app.Usage = "run ARM64 guest code on an x86-64 host via dynamic binary translation"
	app.Flags = []cli.Flag{imgFlag, baseFlag, entryFlag, memFlag, cacheFlag, verbosityFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	img := ctx.String(imgFlag.Name)
	if img == "" {
		return cli.NewExitError("missing --img", 1)
	}
	code, err := os.ReadFile(img)
	if err != nil {
		return err
	}

	base := ctx.Uint64(baseFlag.Name)
	t, err := translator.New(
		config.WithGuestMemBase(base),
		config.WithGuestMemSize(ctx.Int(memFlag.Name)),
		config.WithCodeCacheSize(ctx.Int(cacheFlag.Name)),
		config.WithVerbosity(golog.Lvl(ctx.Int(verbosityFlag.Name))),
	)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := t.WriteGuest(base, code); err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	// Stack at the top of guest memory, growing down.
	t.SetSP(base + uint64(ctx.Int(memFlag.Name)) - 16)
	t.SetSyscallDispatcher(&linuxMini{t: t})

	entry := ctx.Uint64(entryFlag.Name)
	if entry == 0 {
		entry = base
	}

	log := golog.New("module", "dbt")
	log.Info("starting guest", "entry", fmt.Sprintf("%#x", entry), "image_bytes", len(code))
	if err := t.Run(entry); err != nil {
		return fmt.Errorf("guest run: %w", err)
	}

	dumpResult(t)
	return nil
}

func dumpResult(t *translator.Translator) {
	fmt.Printf("pc=%#x sp=%#x flags=%#x\n", t.GetPC(), t.GetSP(), t.GetFlags())
	for i := 0; i < 31; i += 4 {
		for j := i; j < i+4 && j < 31; j++ {
			fmt.Printf("x%-2d=%#-18x ", j, t.GetReg(j))
		}
		fmt.Println()
	}
	var s translator.Stats
	t.StatsGet(&s)
	fmt.Printf("translations=%d executions=%d hits=%d misses=%d interp=%d chains=%d\n",
		s.Translations, s.Executions, s.CacheHits, s.CacheMisses, s.InterpFallbacks, s.Chains)
}
