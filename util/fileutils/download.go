package fileutils

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mrnavastar/emuman/util"
)

var client = resty.New().SetHeader("User-Agent", "EmuMan-App-Client")

// Progress receives the download percentage and a formatted speed.
type Progress func(percent int, speed string)

type Downloader struct {
	// Mode is "auto", "aria2" or "http". auto uses aria2c when it can be found.
	Mode         string
	ResourcesDir string
	Verbose      bool
	DisableIPv6  bool
	Progress     Progress
}

func NewDownloader(cfg Config, home string) *Downloader {
	return &Downloader{
		Mode:         cfg.Downloader,
		ResourcesDir: filepath.Join(home, "resources"),
		Verbose:      cfg.Aria2Verbose,
		DisableIPv6:  cfg.DisableIPv6,
	}
}

// Aria2Path finds aria2c on PATH or bundled under resources/bin. It returns ""
// when neither exists.
func (d *Downloader) Aria2Path() string {
	if p, err := exec.LookPath(Aria2Name()); err == nil {
		return p
	}
	if d.ResourcesDir == "" {
		return ""
	}
	bundled := filepath.Join(d.ResourcesDir, "bin", Aria2Name())
	if !Exists(bundled) {
		return ""
	}
	if err := FixExecutable(bundled); err != nil {
		util.Log.Warn("failed to chmod bundled aria2c", util.Log.Args("path", bundled, "error", err.Error()))
	}
	return bundled
}

// Download fetches url into dest. aria2c is tried first unless disabled; a failed
// aria2c run falls back to the built-in client, a cancelled one does not. The partial
// file is removed on failure.
func (d *Downloader) Download(ctx context.Context, url string, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	if d.Mode != "http" {
		if aria2 := d.Aria2Path(); aria2 != "" {
			err := d.downloadAria2(ctx, aria2, url, dest)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.Log.Warn("aria2 download failed, falling back to internal", util.Log.Args("error", err.Error()))
		} else if d.Mode == "aria2" {
			util.Log.Warn("aria2c not found, using internal downloader")
		}
	}

	err := d.downloadHTTP(ctx, url, dest)
	if err != nil {
		os.Remove(dest)
	}
	return err
}

type WriteCounter struct {
	Total    int64
	Size     int64
	started  time.Time
	last     time.Time
	progress Progress
}

func (wc *WriteCounter) Write(p []byte) (int, error) {
	n := len(p)
	wc.Size += int64(n)
	wc.PrintProgress()
	return n, nil
}

func (wc *WriteCounter) PrintProgress() {
	if wc.progress == nil || wc.Total <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(wc.last) < 200*time.Millisecond && wc.Size < wc.Total {
		return
	}
	wc.last = now
	speed := ""
	if elapsed := now.Sub(wc.started).Seconds(); elapsed > 0 {
		speed = util.FormatSpeed(float64(wc.Size) / elapsed)
	}
	wc.progress(int(wc.Size*100/wc.Total), speed)
}

func (d *Downloader) downloadHTTP(ctx context.Context, url string, dest string) error {
	util.Log.Info("downloading", util.Log.Args("url", url, "dest", dest))
	resp, err := client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		return fmt.Errorf("download failed: %s", resp.Status())
	}

	total, _ := strconv.ParseInt(resp.Header().Get("Content-Length"), 10, 64)

	file, err := os.Create(dest)
	if err != nil {
		return err
	}

	counter := &WriteCounter{Total: total, started: time.Now(), progress: d.Progress}
	_, err = io.Copy(file, io.TeeReader(body, counter))
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if d.Progress != nil {
		d.Progress(100, "")
	}
	return nil
}

var aria2Progress = regexp.MustCompile(`\((\d+)%\).*?DL:([0-9.]+[a-zA-Z]+)`)

func (d *Downloader) downloadAria2(ctx context.Context, aria2 string, url string, dest string) error {
	level := "warn"
	if d.Verbose {
		level = "info"
	}
	args := []string{
		url,
		"-d", filepath.Dir(dest),
		"-o", filepath.Base(dest),
		"-j", "8", "-x", "8", "-s", "8", "-k", "1M",
		"--console-log-level=" + level,
		"--summary-interval=1",
		"--allow-overwrite=true",
	}
	if d.DisableIPv6 {
		args = append(args, "--disable-ipv6=true")
	}
	util.Log.Info("starting aria2 download", util.Log.Args("cmd", aria2, "url", url))

	cmd := exec.CommandContext(ctx, aria2, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
		if d.Verbose {
			util.Log.Info("[aria2] " + line)
		}
		if m := aria2Progress.FindStringSubmatch(line); m != nil && d.Progress != nil {
			percent, _ := strconv.Atoi(m[1])
			d.Progress(percent, m[2]+"/s")
		}
	}

	err = cmd.Wait()
	if err != nil {
		os.Remove(dest + ".aria2")
		os.Remove(dest)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			util.Log.Error("aria2 exited", util.Log.Args("code", exitErr.ExitCode(), "output", tail))
		}
		return err
	}
	if d.Progress != nil {
		d.Progress(100, "")
	}
	return nil
}
