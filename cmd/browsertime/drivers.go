package main

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/wanmail/seleniumrunner/internal/download"
)

func newDriversCommand() *cobra.Command {
	var (
		dir         string
		chromeBuild string
		selenium    bool
	)
	cmd := &cobra.Command{
		Use:   "drivers",
		Short: "Download ChromeDriver and GeckoDriver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var files []download.File

			chromedriver, err := download.ChromeDriverSnapshot(ctx, nil, chromeBuild)
			if err != nil {
				return fmt.Errorf("finding chromedriver: %w", err)
			}
			files = append(files, chromedriver)

			geckodriver, err := download.GeckoDriver(ctx, nil)
			if err != nil {
				return fmt.Errorf("finding geckodriver: %w", err)
			}
			files = append(files, geckodriver)

			if selenium {
				files = append(files, download.SeleniumServer)
			}
			if err := download.FetchAll(ctx, nil, files, dir); err != nil {
				return err
			}
			glog.Infof("drivers downloaded to %s", dir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "drivers", "download `directory`")
	cmd.Flags().StringVar(&chromeBuild, "chrome-build", "", "Chromium snapshot build number, latest when empty")
	cmd.Flags().BoolVar(&selenium, "selenium", false, "also download the Selenium standalone server")
	return cmd
}
