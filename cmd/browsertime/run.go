package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/wanmail/seleniumrunner/config"
	"github.com/wanmail/seleniumrunner/runner"
)

// defaultScripts are collected on every page.
var defaultScripts = map[string]string{
	"navigationTiming": "return window.performance.timing.toJSON();",
	"title":            "return document.title;",
}

type pageResult struct {
	URL        string                 `json:"url"`
	Scripts    map[string]interface{} `json:"scripts,omitempty"`
	Screenshot string                 `json:"screenshot,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

type report struct {
	Browser map[string]interface{} `json:"browser"`
	Pages   []pageResult           `json:"pages"`
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run URL [URL...]",
		Short: "Load pages and print the collected results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(cmd.Flags(), nil)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, conf, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().AddFlagSet(config.FlagSet())
	return cmd
}

// run measures urls in one browser session and writes the report to out. A
// page that fails is reported and does not stop the run.
func run(ctx context.Context, conf config.Config, urls []string, out io.Writer) (err error) {
	scripts := make(map[string]string, len(defaultScripts)+len(conf.Scripts))
	for name, s := range defaultScripts {
		scripts[name] = s
	}
	for name, s := range conf.Scripts {
		scripts[name] = s
	}
	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	if conf.ScreenshotDir != "" {
		if err := os.MkdirAll(conf.ScreenshotDir, 0755); err != nil {
			return err
		}
	}

	r := runner.New(conf.Options)
	caps, err := r.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Stop gets its own context so that an interrupted run still closes
		// the browser.
		if stopErr := r.Stop(context.Background()); stopErr != nil {
			glog.Warningf("stopping browser: %v", stopErr)
			if err == nil {
				err = stopErr
			}
		}
	}()

	rep := report{Browser: caps.Serialize()}
	failed := 0
	for i, url := range urls {
		page := measure(ctx, r, conf, i, url, names, scripts)
		if page.Error != "" {
			failed++
		}
		rep.Pages = append(rep.Pages, page)
		if ctx.Err() != nil {
			break
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pages failed", failed, len(urls))
	}
	return nil
}

func measure(ctx context.Context, r *runner.SeleniumRunner, conf config.Config, i int, url string, names []string, scripts map[string]string) pageResult {
	page := pageResult{URL: url}
	if err := r.LoadAndWait(ctx, url, conf.WaitScript); err != nil {
		glog.Errorf("%s: %v", url, err)
		page.Error = err.Error()
		return page
	}

	page.Scripts = make(map[string]interface{}, len(names))
	for _, name := range names {
		v, err := r.RunScript(ctx, scripts[name])
		if err != nil {
			glog.Warningf("%s: script %s: %v", url, name, err)
			v = map[string]string{"error": err.Error()}
		}
		page.Scripts[name] = v
	}

	if conf.ScreenshotDir != "" {
		png, err := r.TakeScreenshot(ctx)
		if err != nil {
			glog.Warningf("%s: screenshot: %v", url, err)
			return page
		}
		path := filepath.Join(conf.ScreenshotDir, fmt.Sprintf("page-%03d.png", i+1))
		if err := os.WriteFile(path, png, 0644); err != nil {
			glog.Warningf("%s: screenshot: %v", url, err)
			return page
		}
		page.Screenshot = path
	}
	return page
}
