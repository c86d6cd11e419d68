package apps

import (
	"context"
	"strconv"
	"time"

	"appstore/internal/fsops"
	"appstore/internal/inputs"
	"appstore/internal/supervisor"
)

const (
	crawlHome = "/opt/crawl4ai"
	crawlVenv = crawlHome + "/venv"
)

type crawl4ai struct{}

type crawlSettings struct {
	Port          int
	BindAddress   string
	MaxConcurrent int
	CacheDir      string
	Headless      bool
}

func (crawl4ai) ID() string      { return "crawl4ai" }
func (crawl4ai) Summary() string { return "LLM-friendly web crawler with REST API" }

func (crawl4ai) settings(in *inputs.Resolver) (crawlSettings, error) {
	var s crawlSettings
	s.Port, _ = in.Integer("api_port", 11235)
	s.BindAddress, _ = in.String("bind_address", "0.0.0.0")
	s.MaxConcurrent, _ = in.Integer("max_concurrent", 5)
	s.CacheDir, _ = in.String("cache_dir", "/var/lib/crawl4ai/cache")
	s.Headless, _ = in.Boolean("headless", true)
	return s, in.Validate()
}

func (a crawl4ai) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a crawl4ai) Install(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	// chromium runtime libraries
	err = h.Packages.Install(ctx,
		"python3", "python3-venv", "python3-pip",
		"curl", "wget", "gnupg",
		"libnss3", "libnspr4", "libatk1.0-0", "libatk-bridge2.0-0",
		"libcups2", "libdrm2", "libxkbcommon0", "libxcomposite1",
		"libxdamage1", "libxfixes3", "libxrandr2", "libgbm1",
		"libpango-1.0-0", "libcairo2", "libasound2", "libatspi2.0-0",
	)
	if err != nil {
		return err
	}
	if err := h.Files.CreateUser(ctx, fsops.UserSpec{Name: "crawl4ai", System: true, Home: crawlHome}); err != nil {
		return err
	}
	if err := h.Dirs(s.CacheDir, crawlHome); err != nil {
		return err
	}
	if err := h.Packages.CreateVenv(ctx, h.Path(crawlVenv)); err != nil {
		return err
	}
	if err := h.Packages.PipInstall(ctx, h.Path(crawlVenv), "crawl4ai", "fastapi", "uvicorn"); err != nil {
		return err
	}
	for _, f := range []string{"server.py", "playground.html"} {
		if err := h.Deploy(a.ID(), f, crawlHome+"/"+f, 0644); err != nil {
			return err
		}
	}
	// browsers land in the owner's cache, so ownership comes first
	for _, p := range []string{crawlHome, s.CacheDir} {
		if err := h.Files.Chown(h.Path(p), "crawl4ai:crawl4ai", true); err != nil {
			return err
		}
	}
	if err := h.Exec(ctx, "su", "-s", "/bin/bash", "crawl4ai", "-c", crawlVenv+"/bin/playwright install chromium"); err != nil {
		return err
	}
	return a.Configure(ctx, h)
}

func (a crawl4ai) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	return h.Converge(ctx, supervisor.Unit{
		Name:             "crawl4ai",
		Description:      "Crawl4AI Web Crawler API",
		ExecStart:        crawlVenv + "/bin/python " + crawlHome + "/server.py",
		User:             "crawl4ai",
		WorkingDirectory: crawlHome,
		After:            []string{"network.target"},
		Environment: map[string]string{
			"CRAWL4AI_API_PORT":       strconv.Itoa(s.Port),
			"CRAWL4AI_HOST":           s.BindAddress,
			"CRAWL4AI_MAX_CONCURRENT": strconv.Itoa(s.MaxConcurrent),
			"CRAWL4AI_CACHE_DIR":      s.CacheDir,
			"CRAWL4AI_HEADLESS":       strconv.FormatBool(s.Headless),
		},
		Restart:    "on-failure",
		RestartSec: 5 * time.Second,
	}, false)
}
