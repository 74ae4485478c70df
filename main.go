package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/text"
	"github.com/mrnavastar/emuman/services"
	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
)

func openApp(c *cli.Context) (*services.App, error) {
	app, err := services.OpenApp()
	if err != nil {
		return nil, err
	}
	app.Downloader.Progress = progressPrinter()
	return app, nil
}

var progressBar *pterm.ProgressbarPrinter

func progressPrinter() fileutils.Progress {
	return func(percent int, speed string) {
		if progressBar == nil {
			progressBar, _ = pterm.DefaultProgressbar.WithTotal(100).WithTitle("Downloading").Start()
		}
		if progressBar == nil {
			return
		}
		if speed != "" {
			progressBar.UpdateTitle("Downloading " + speed)
		}
		if step := percent - progressBar.Current; step > 0 {
			progressBar.Add(step)
		}
		if percent >= 100 {
			progressBar.Stop()
			progressBar = nil
		}
	}
}

func branchArg(c *cli.Context, i int) (util.Branch, error) {
	return util.ParseBranch(c.Args().Get(i))
}

func slotArgs(c *cli.Context, app *services.App) (util.BackupSlot, error) {
	if c.NArg() < 2 {
		return util.BackupSlot{}, errors.New("usage: <title id|all> <slot>")
	}
	title, err := services.NormalizeTitle(c.Args().Get(0))
	if err != nil {
		return util.BackupSlot{}, err
	}
	index, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return util.BackupSlot{}, fmt.Errorf("invalid slot %q", c.Args().Get(1))
	}
	return app.Backups.Get(title, index)
}

func shortId(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &cli.App{
		Name:  "EmuMan",
		Usage: "Manage Eden builds, saves, mods, keys and firmware",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "also print the log to stderr"},
		},
		Before: func(c *cli.Context) error {
			home, err := fileutils.HomeDir()
			if err != nil {
				return nil
			}
			cfg, err := fileutils.LoadConfig(home)
			if err != nil {
				return err
			}
			return util.SetupLogging(home, cfg.LogLevel, c.Bool("verbose"))
		},
		After: func(c *cli.Context) error {
			util.CloseLogging()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Setup emuman on your system",
				ArgsUsage: "[home]",
				Action: func(c *cli.Context) error {
					home := c.Args().Get(0)
					if home == "" {
						userHome, err := os.UserHomeDir()
						if err != nil {
							return err
						}
						home = filepath.Join(userHome, ".emuman")
					}
					if err := fileutils.Setup(home); err != nil {
						return err
					}
					pterm.Success.Println("EmuMan home ready at " + home)
					return nil
				},
			},
			{
				Name:      "token",
				Usage:     "Store a GitHub token to lift the API rate limit",
				ArgsUsage: "<token>",
				Action: func(c *cli.Context) error {
					if err := fileutils.SetToken(c.Args().Get(0)); err != nil {
						return err
					}
					pterm.Success.Println("Token saved.")
					return nil
				},
			},
			{
				Name:  "sync",
				Usage: "Fetch the release lists and rescan the install folders",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "ignore the release cache"}},
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					releases, err := app.Sync(ctx, c.Bool("force"))
					if err != nil {
						pterm.Warning.Println("Some releases could not be fetched: " + err.Error())
					}
					for _, branch := range util.Branches {
						fmt.Printf("%s: %d releases, %d installed\n", branch, len(releases[branch]), len(app.Store.List(branch)))
					}
					return nil
				},
			},
			{
				Name:    "ls",
				Aliases: []string{"list"},
				Usage:   "List installed versions",
				Flags:   []cli.Flag{&cli.StringFlag{Name: "branch", Aliases: []string{"b"}}},
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					var branch util.Branch
					if c.String("branch") != "" {
						if branch, err = util.ParseBranch(c.String("branch")); err != nil {
							return err
						}
					}
					var rows [][]string
					for _, v := range app.Store.List(branch) {
						active := ""
						if v.Active {
							active = "*"
						}
						rows = append(rows, []string{v.Tag, string(v.Branch), shortId(v.Id), active, v.Path})
					}
					if len(rows) == 0 {
						fmt.Println("No versions installed.")
						return nil
					}
					util.PrintTable([]string{"TAG", "BRANCH", "ID", "ACTIVE", "PATH"}, rows)
					return nil
				},
			},
			{
				Name:      "releases",
				Usage:     "List the releases of a branch",
				ArgsUsage: "<stable|nightly>",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					branch, err := branchArg(c, 0)
					if err != nil {
						return err
					}
					releases, err := app.Releases.Releases(ctx, false)
					if err != nil && len(releases[branch]) == 0 {
						return err
					}
					var installed []string
					for _, v := range app.Store.List(branch) {
						installed = append(installed, v.Tag)
					}
					var rows [][]string
					for _, r := range releases[branch] {
						mark := ""
						if util.Contains(installed, r.Tag) {
							mark = "installed"
						}
						rows = append(rows, []string{r.Tag, r.Published.Format("2006-01-02"), strconv.Itoa(len(r.Assets)), mark})
					}
					util.PrintTable([]string{"TAG", "PUBLISHED", "ASSETS", "STATUS"}, rows)
					return nil
				},
			},
			{
				Name:      "changelog",
				Usage:     "Show the changelog of a release",
				ArgsUsage: "<stable|nightly> [tag]",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					branch, err := branchArg(c, 0)
					if err != nil {
						return err
					}
					release, err := app.Releases.Find(ctx, branch, c.Args().Get(1))
					if err != nil {
						return err
					}
					fmt.Println(text.Bold.Sprint(release.Tag))
					fmt.Println()
					fmt.Println(release.Changelog)
					return nil
				},
			},
			{
				Name:      "assets",
				Usage:     "List the assets of a release that run on this machine, best first",
				ArgsUsage: "<stable|nightly> [tag]",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					branch, err := branchArg(c, 0)
					if err != nil {
						return err
					}
					release, err := app.Releases.Find(ctx, branch, c.Args().Get(1))
					if err != nil {
						return err
					}
					var rows [][]string
					for _, a := range services.RankAssets(release.Assets, app.Preferences(branch)) {
						rows = append(rows, []string{a.Name, util.HumanSize(a.Size)})
					}
					util.PrintTable([]string{"NAME", "SIZE"}, rows)
					return nil
				},
			},
			{
				Name:      "install",
				Usage:     "Download and install a release",
				ArgsUsage: "<stable|nightly> [tag]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "asset", Aliases: []string{"a"}, Usage: "exact asset name to install"},
					&cli.BoolFlag{Name: "no-activate", Usage: "install without switching to it"},
				},
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					branch, err := branchArg(c, 0)
					if err != nil {
						return err
					}
					release, err := app.Releases.Find(ctx, branch, c.Args().Get(1))
					if err != nil {
						return err
					}
					asset, err := services.PickAsset(release.Assets, app.Preferences(branch), c.String("asset"))
					if err != nil {
						return err
					}

					fmt.Println("Installing " + release.Tag + " (" + asset.Name + ")")
					version, err := app.Installer.Install(ctx, services.InstallRequest{
						Branch:   branch,
						Tag:      release.Tag,
						Asset:    asset,
						Activate: !c.Bool("no-activate"),
					})
					if err != nil {
						return err
					}
					app.Scans.InvalidateScan(app.Store.BranchDir(branch), branch)
					pterm.Success.Println("Installed " + version.Tag + " to " + version.Path)
					return nil
				},
			},
			{
				Name:      "use",
				Usage:     "Switch to an installed version",
				ArgsUsage: "<id|tag>",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					version, err := app.Store.Get(c.Args().Get(0))
					if err != nil {
						return err
					}
					if err := app.Installer.Activate(version.Id); err != nil {
						return err
					}
					pterm.Success.Println("Now using " + version.Tag)
					return nil
				},
			},
			{
				Name:      "rm",
				Aliases:   []string{"remove"},
				Usage:     "Remove an installed version",
				ArgsUsage: "<id|tag>",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					version, err := app.Store.Get(c.Args().Get(0))
					if err != nil {
						return err
					}
					if err := app.Store.Remove(version.Id); err != nil {
						if errors.Is(err, util.ErrActiveVersion) {
							pterm.Warning.Println(version.Tag + " is active, switch to another version first")
							return nil
						}
						return err
					}
					pterm.Success.Println("Removed " + version.Tag)
					return nil
				},
			},
			{
				Name:  "scan",
				Usage: "Adopt versions found in the install folder and forget vanished ones",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "ignore the scan cache"}},
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					for _, branch := range util.Branches {
						if !c.Bool("force") && app.Scans.ScanValid(app.Store.BranchDir(branch), branch) {
							fmt.Printf("%s: unchanged\n", branch)
							continue
						}
						added, dropped, err := app.Refresh(branch, c.Bool("force"))
						if err != nil {
							return err
						}
						fmt.Printf("%s: %d added, %d removed\n", branch, added, dropped)
					}
					return nil
				},
			},
			{
				Name:  "watch",
				Usage: "Keep the installed versions in line with the install folder until interrupted",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					fmt.Println("Watching " + app.Store.Dir())
					return app.Watch(ctx, func(branch util.Branch, added int, dropped int) {
						if added > 0 || dropped > 0 {
							fmt.Printf("%s: %d added, %d removed\n", branch, added, dropped)
						}
					})
				},
			},
			{
				Name:      "backup",
				Usage:     "Back up the saves of a title, or of every title",
				ArgsUsage: "[title id|all]",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "note", Aliases: []string{"n"}}},
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					slot, err := app.Backups.Snapshot(c.Args().Get(0), c.String("note"))
					if err != nil {
						return err
					}
					pterm.Success.Printf("Created slot %d for %s (%s)\n", slot.Index, slot.TitleId, util.HumanSize(slot.Size))
					return nil
				},
			},
			{
				Name:      "backups",
				Usage:     "List save backups",
				ArgsUsage: "[title id|all]",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					slots, err := app.Backups.List(c.Args().Get(0))
					if err != nil {
						return err
					}
					var rows [][]string
					for _, s := range slots {
						rows = append(rows, []string{s.TitleId, strconv.Itoa(s.Index), s.Created.Format("2006-01-02 15:04:05"), util.HumanSize(s.Size), util.Truncate(s.Note, 40)})
					}
					if len(rows) == 0 {
						fmt.Println("No backups.")
						return nil
					}
					util.PrintTable([]string{"TITLE", "SLOT", "CREATED", "SIZE", "NOTE"}, rows)
					return nil
				},
			},
			{
				Name:      "restore",
				Usage:     "Restore a save backup",
				ArgsUsage: "<title id|all> <slot>",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					slot, err := slotArgs(c, app)
					if err != nil {
						return err
					}
					if err := app.Backups.Restore(slot); err != nil {
						return err
					}
					pterm.Success.Printf("Restored slot %d of %s\n", slot.Index, slot.TitleId)
					return nil
				},
			},
			{
				Name:      "rmbackup",
				Usage:     "Delete a save backup",
				ArgsUsage: "<title id|all> <slot>",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					slot, err := slotArgs(c, app)
					if err != nil {
						return err
					}
					if err := app.Backups.Delete(slot); err != nil {
						return err
					}
					pterm.Success.Printf("Deleted slot %d of %s\n", slot.Index, slot.TitleId)
					return nil
				},
			},
			{
				Name:  "mods",
				Usage: "List mods per title",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					if _, err := app.Mods.EnsureLoadDir(); err != nil {
						return err
					}
					mods, err := app.Mods.List()
					if err != nil {
						return err
					}
					titles := make([]string, 0, len(mods))
					for title := range mods {
						titles = append(titles, title)
					}
					sort.Strings(titles)

					var rows [][]string
					for _, title := range titles {
						for _, m := range mods[title] {
							state := "disabled"
							if m.Enabled {
								state = "enabled"
							}
							rows = append(rows, []string{m.Name, title, state})
						}
					}
					if len(rows) == 0 {
						fmt.Println("No mods in " + app.Mods.LoadDir)
						return nil
					}
					util.PrintTable([]string{"NAME", "TITLE", "STATE"}, rows)
					return nil
				},
			},
			{
				Name:      "enable",
				Usage:     "Enable a mod",
				ArgsUsage: "<title id> <mod>",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					mod, err := app.Mods.Enable(c.Args().Get(0), c.Args().Get(1))
					if err != nil {
						return err
					}
					pterm.Success.Println("Enabled " + mod.Name)
					return nil
				},
			},
			{
				Name:      "disable",
				Usage:     "Disable a mod, keeping its files",
				ArgsUsage: "<title id> <mod>",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					mod, err := app.Mods.Disable(c.Args().Get(0), c.Args().Get(1))
					if err != nil {
						return err
					}
					pterm.Success.Println("Disabled " + mod.Name)
					return nil
				},
			},
			{
				Name:      "toggle",
				Usage:     "Flip a mod between enabled and disabled",
				ArgsUsage: "<title id> <mod>",
				Action: func(c *cli.Context) error {
					app, err := openApp(c)
					if err != nil {
						return err
					}
					mod, err := app.Mods.Toggle(c.Args().Get(0), c.Args().Get(1))
					if err != nil {
						return err
					}
					if mod.Enabled {
						pterm.Success.Println("Enabled " + mod.Name)
					} else {
						pterm.Success.Println("Disabled " + mod.Name)
					}
					return nil
				},
			},
			{
				Name:  "keys",
				Usage: "Manage prod.keys and title.keys",
				Subcommands: []*cli.Command{
					{
						Name:  "status",
						Usage: "Show which key files are present",
						Action: func(c *cli.Context) error {
							app, err := openApp(c)
							if err != nil {
								return err
							}
							status := app.Keys.Status()
							fmt.Println("Keys folder: " + status.Dir)
							fmt.Printf("prod.keys:  %v\ntitle.keys: %v\n", status.ProdKeys, status.TitleKeys)
							return nil
						},
					},
					{
						Name:      "import",
						Usage:     "Copy key files into the keys folder",
						ArgsUsage: "<file>...",
						Action: func(c *cli.Context) error {
							app, err := openApp(c)
							if err != nil {
								return err
							}
							for _, src := range c.Args().Slice() {
								dst, err := app.Keys.Import(src)
								if err != nil {
									return err
								}
								pterm.Success.Println("Imported " + dst)
							}
							return nil
						},
					},
					{
						Name:  "scan",
						Usage: "Look for key files of other emulators",
						Flags: []cli.Flag{&cli.BoolFlag{Name: "import", Usage: "import what was found"}},
						Action: func(c *cli.Context) error {
							app, err := openApp(c)
							if err != nil {
								return err
							}
							found := app.Keys.AutoDetect(services.KeySearchRoots())
							if len(found) == 0 {
								fmt.Println("No key files found.")
								return nil
							}
							for _, path := range found {
								fmt.Println(path)
								if c.Bool("import") {
									if _, err := app.Keys.Import(path); err != nil {
										return err
									}
								}
							}
							return nil
						},
					},
				},
			},
			{
				Name:  "firmware",
				Usage: "Manage console firmware",
				Subcommands: []*cli.Command{
					{
						Name:  "ls",
						Usage: "List downloaded firmware packages",
						Action: func(c *cli.Context) error {
							app, err := openApp(c)
							if err != nil {
								return err
							}
							packages, err := app.Firmware.ListLocal()
							if err != nil {
								return err
							}
							fmt.Println("Installed firmware: " + orNone(app.Firmware.InstalledVersion()))
							var rows [][]string
							for _, p := range packages {
								rows = append(rows, []string{p.Name, p.Version, util.HumanSize(p.Size)})
							}
							if len(rows) > 0 {
								util.PrintTable([]string{"NAME", "VERSION", "SIZE"}, rows)
							}
							return nil
						},
					},
					{
						Name:  "check",
						Usage: "Check for a newer firmware",
						Flags: []cli.Flag{&cli.BoolFlag{Name: "force", Aliases: []string{"f"}}},
						Action: func(c *cli.Context) error {
							app, err := openApp(c)
							if err != nil {
								return err
							}
							update, err := app.Firmware.CheckForUpdate(ctx, c.Bool("force"))
							if err != nil {
								return err
							}
							fmt.Println("Installed: " + orNone(update.Current))
							fmt.Println("Latest:    " + orNone(update.Latest))
							if update.HasUpdate {
								pterm.Info.Println("A firmware update is available.")
							}
							return nil
						},
					},
					{
						Name:      "install",
						Usage:     "Install a firmware zip, or the latest firmware when none is given",
						ArgsUsage: "[zip]",
						Flags:     []cli.Flag{&cli.StringFlag{Name: "version", Usage: "version of the given zip"}},
						Action: func(c *cli.Context) error {
							app, err := openApp(c)
							if err != nil {
								return err
							}
							var count int
							if zip := c.Args().Get(0); zip != "" {
								count, err = app.Firmware.Install(zip, c.String("version"))
							} else {
								var update services.FirmwareUpdate
								if update, err = app.Firmware.CheckForUpdate(ctx, true); err != nil {
									return err
								}
								count, err = app.Firmware.DownloadAndInstall(ctx, update)
							}
							if err != nil {
								return err
							}
							pterm.Success.Printf("Installed %d firmware files\n", count)
							return nil
						},
					},
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		if errors.Is(err, util.ErrNotSetup) {
			pterm.Error.Println(err)
			os.Exit(1)
		}
		util.Fatal(err)
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}
