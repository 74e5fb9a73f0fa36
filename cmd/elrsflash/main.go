package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/elrsflash/internal/app"
	"github.com/buckleypaul/elrsflash/internal/build"
	"github.com/buckleypaul/elrsflash/internal/catalog"
	"github.com/buckleypaul/elrsflash/internal/config"
	"github.com/buckleypaul/elrsflash/internal/device"
	"github.com/buckleypaul/elrsflash/internal/logging"
	"github.com/buckleypaul/elrsflash/internal/pages"
	"github.com/buckleypaul/elrsflash/internal/serial"
	"github.com/buckleypaul/elrsflash/internal/store"
)

const httpTimeout = 60 * time.Second

func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	root, err := config.FindRoot(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Load(root)
	st := store.New(config.DataDir(root))

	logsDir, err := st.LogsDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger, logFile, err := logging.New(logsDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	catalog.InitLogger(logger)
	build.InitLogger(logger)
	device.InitLogger(logger)

	httpClient := &http.Client{Timeout: httpTimeout}
	fetcher, err := catalog.NewFetcher(httpClient, cfg.CatalogBase, cfg.Family, cfg.CacheSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	requestor := build.NewRequestor(
		build.NewClient(httpClient, cfg.BuildURL),
		build.WithInterval(cfg.Poll()),
		build.WithTimeout(cfg.Timeout()),
	)

	protoCfg := device.ProtocolConfig{
		PassthroughBaud: cfg.PassthroughBaud,
		FlashBaud:       cfg.FlashBaudRate,
		SerialBaud:      cfg.SerialBaudRate,
		StubDir:         cfg.StubDir,
	}
	if protoCfg.StubDir != "" && !filepath.IsAbs(protoCfg.StubDir) {
		protoCfg.StubDir = filepath.Join(root, protoCfg.StubDir)
	}
	opener := device.OpenerFunc(func(ctx context.Context, target device.Target) (device.Transport, error) {
		port, err := serial.Open(cfg.SerialPort, device.OpenBaud(target, protoCfg))
		if err != nil {
			return nil, err
		}
		return port, nil
	})
	session := device.NewSession(opener, device.WithProtocolConfig(protoCfg))

	pageMap := map[app.PageID]app.Page{
		app.FirmwarePage: pages.NewFirmwarePage(fetcher, &cfg, root),
		app.BuildPage:    pages.NewBuildPage(requestor, st),
		app.FlashPage:    pages.NewFlashPage(session, serial.ListPorts, st, &cfg, root),
		app.HistoryPage:  pages.NewHistoryPage(st),
		app.SettingsPage: pages.NewSettingsPage(&cfg, root),
	}

	model := app.New(pageMap, session.Close)

	logger.Info("starting", "root", root, "catalog", cfg.CatalogBase, "build", cfg.BuildURL)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
