package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/bodgit/rvth"
	"github.com/bodgit/rvth/wii"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const keysFile = "keys.yaml"

var fs = afero.NewOsFs()

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}
}

func newLogger(c *cli.Context) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if c.Bool("debug") {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func loadKeys(c *cli.Context, image string) (*wii.KeyStore, error) {
	name := c.Path("keys")
	if name == "" {
		name = filepath.Join(filepath.Dir(image), keysFile)
		if _, err := fs.Stat(name); err != nil {
			// Signatures can't be classified but everything else works
			return nil, nil
		}
	}
	return wii.LoadKeyStore(fs, name)
}

func openImage(c *cli.Context, readOnly bool) (*rvth.Image, error) {
	name := c.Args().Get(0)

	keys, err := loadKeys(c, name)
	if err != nil {
		return nil, err
	}

	opts := &rvth.Options{
		ReadOnly: readOnly,
		Logger:   newLogger(c),
		Keys:     keys,
	}
	if c.Bool("delete-incomplete") {
		opts.Incomplete = rvth.DeleteIncompleteOnOpen
	}

	img, err := rvth.Open(name, opts)
	if err != nil {
		return nil, err
	}
	if err = img.TableError(); err != nil {
		opts.Logger.WithError(err).Warn("bank table unusable, image is read-only")
	}

	return img, nil
}

// Banks are numbered from 1 on the command line.
func parseBank(s string, auto bool) (int, error) {
	if s == "" && auto {
		return rvth.AutoAllocate, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid bank %q", s)
	}
	return n - 1, nil
}

func progress(verbose bool) rvth.Progress {
	if !verbose {
		return nil
	}

	var pb *progressbar.ProgressBar

	return rvth.ProgressFunc(func(done, total int64) {
		if pb == nil {
			pb = progressbar.DefaultBytes(total)
		}
		_ = pb.Set64(done)
	})
}

func list(c *cli.Context) error {
	img, err := openImage(c, true)
	if err != nil {
		return err
	}
	defer img.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BANK\tSTATUS\tTYPE\tGAME ID\tTITLE\tSIZE\tKEYS\tTICKET\tTMD\tTIMESTAMP")

	for _, e := range img.Banks() {
		fmt.Fprintf(w, "%d\t%s", e.Index+1, e.Status)
		switch e.Status {
		case rvth.StatusEmpty, rvth.StatusSecondBank:
			fmt.Fprintln(w, "\t\t\t\t\t\t\t\t")
			continue
		}

		timestamp := ""
		if !e.Timestamp.IsZero() {
			timestamp = e.Timestamp.Format("2006-01-02 15:04:05")
		}
		keys, ticket, tmd := "", "", ""
		if e.DiscType != rvth.DiscGameCube {
			keys, ticket, tmd = e.KeySet.String(), e.TicketStatus.String(), e.TMDStatus.String()
		}

		fmt.Fprintf(w, "\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", e.DiscType, e.GameID, e.Title, rvth.FormatSize(e.Size), keys, ticket, tmd, timestamp)
	}

	return w.Flush()
}

func extract(c *cli.Context) error {
	bank, err := parseBank(c.Args().Get(1), false)
	if err != nil {
		return err
	}

	img, err := openImage(c, true)
	if err != nil {
		return err
	}
	defer img.Close()

	res, err := img.Extract(c.Context, bank, c.Args().Get(2), progress(c.Bool("verbose")))
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", res.SHA1, res.Path)

	return nil
}

func importImage(c *cli.Context) error {
	bank, err := parseBank(c.Args().Get(2), true)
	if err != nil {
		return err
	}

	img, err := openImage(c, false)
	if err != nil {
		return err
	}
	defer img.Close()

	res, err := img.Import(c.Context, c.Args().Get(1), bank, c.Bool("overwrite"), progress(c.Bool("verbose")))
	if err != nil {
		if res != nil && res.Entry.Status == rvth.StatusIncomplete {
			return fmt.Errorf("bank %d left incomplete: %w", res.Bank+1, err)
		}
		return err
	}

	fmt.Printf("imported %s into bank %d\n", res.Entry.GameID, res.Bank+1)

	return nil
}

func recrypt(c *cli.Context) error {
	bank, err := parseBank(c.Args().Get(1), false)
	if err != nil {
		return err
	}

	target, err := wii.ParseKeySet(c.Args().Get(2))
	if err != nil {
		return err
	}

	img, err := openImage(c, false)
	if err != nil {
		return err
	}
	defer img.Close()

	res, err := img.Recrypt(c.Context, bank, target, progress(c.Bool("verbose")))
	if err != nil {
		return err
	}

	if res.Skipped {
		fmt.Printf("bank %d is already %s\n", res.Bank+1, target)
		return nil
	}
	fmt.Printf("bank %d is now %s (%s)\n", res.Bank+1, res.Entry.KeySet, res.Entry.TicketStatus)

	return nil
}

func deleteBank(c *cli.Context, undelete bool) error {
	bank, err := parseBank(c.Args().Get(1), false)
	if err != nil {
		return err
	}

	img, err := openImage(c, false)
	if err != nil {
		return err
	}
	defer img.Close()

	op := img.Delete
	if undelete {
		op = img.Undelete
	}

	res, err := op(bank)
	if err != nil {
		return err
	}

	fmt.Printf("bank %d is now %s\n", res.Bank+1, res.Entry.Status)

	return nil
}

func requireArgs(n int, action cli.ActionFunc) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() < n {
			cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
		}
		return action(c)
	}
}

func main() {
	app := cli.NewApp()

	app.Name = "rvth"
	app.Usage = "RVT-H Reader hard disk image utility"
	app.Version = fmt.Sprintf("%s, commit %s, built at %s", version, commit, date)

	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "keys",
			Aliases: []string{"k"},
			Usage:   "read keys from `FILE`, defaults to " + keysFile + " next to the image",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		&cli.BoolFlag{
			Name:  "delete-incomplete",
			Usage: "delete banks left incomplete by a failed import when opening",
		},
	}

	verbose := &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "increase verbosity",
	}

	app.Commands = []*cli.Command{
		{
			Name:      "list",
			Usage:     "List the banks of an image",
			ArgsUsage: "IMAGE",
			Action:    requireArgs(1, list),
		},
		{
			Name:      "extract",
			Usage:     "Extract the disc image in a bank to a file",
			ArgsUsage: "IMAGE BANK TARGET",
			Action:    requireArgs(3, extract),
			Flags:     []cli.Flag{verbose},
		},
		{
			Name:        "import",
			Usage:       "Import a disc image into a bank",
			Description: "The first free bank is used if BANK is omitted. A file named like game.part0.iso is joined with the files for any following parts.",
			ArgsUsage:   "IMAGE SOURCE [BANK]",
			Action:      requireArgs(2, importImage),
			Flags: []cli.Flag{
				verbose,
				&cli.BoolFlag{
					Name:    "overwrite",
					Aliases: []string{"f"},
					Usage:   "replace the disc image in an occupied bank",
				},
			},
		},
		{
			Name:        "recrypt",
			Usage:       "Change the key set of a Wii disc image",
			Description: "KEYSET is one of debug, retail, korean or none.",
			ArgsUsage:   "IMAGE BANK KEYSET",
			Action:      requireArgs(3, recrypt),
			Flags:       []cli.Flag{verbose},
		},
		{
			Name:      "delete",
			Usage:     "Mark a bank as deleted",
			ArgsUsage: "IMAGE BANK",
			Action: requireArgs(2, func(c *cli.Context) error {
				return deleteBank(c, false)
			}),
		},
		{
			Name:      "undelete",
			Usage:     "Restore a deleted bank",
			ArgsUsage: "IMAGE BANK",
			Action: requireArgs(2, func(c *cli.Context) error {
				return deleteBank(c, true)
			}),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		if errors.Is(err, rvth.ErrCancelled) {
			log.Fatal("interrupted")
		}
		log.Fatal(err)
	}
}
