package apps

import (
	"context"
	"strings"

	"appstore/internal/executil"
	"appstore/internal/inputs"
	"appstore/pkg/logging"
)

const ollamaInstaller = "https://ollama.ai/install.sh"

type ollama struct{}

type ollamaSettings struct {
	APIPort     string
	BindAddress string
	ModelsPath  string
	NumCtx      string
	Model       string
}

func (ollama) ID() string      { return "ollama" }
func (ollama) Summary() string { return "Local LLM inference server" }

func (ollama) settings(in *inputs.Resolver) (ollamaSettings, error) {
	var s ollamaSettings
	s.APIPort, _ = in.String("api_port", "11434")
	s.BindAddress, _ = in.String("bind_address", "0.0.0.0")
	s.ModelsPath, _ = in.String("models_path", "/usr/share/ollama/.ollama/models")
	s.NumCtx, _ = in.String("num_ctx", "2048")
	s.Model, _ = in.String("model", "")
	return s, in.Validate()
}

func (a ollama) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a ollama) Install(ctx context.Context, h *Host) error {
	if executil.Has(h.Run, "ollama") {
		logging.Info(subsystem, "ollama is already installed, skipping the vendor installer")
	} else if err := h.Acquire.RunInstallerScript(ctx, ollamaInstaller); err != nil {
		return err
	}
	return a.Configure(ctx, h)
}

func (a ollama) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	if err := h.Files.CreateDir(h.Path(s.ModelsPath), 0755, ""); err != nil {
		return err
	}
	if err := h.Override(ctx, "ollama", map[string]string{
		"OLLAMA_HOST":    s.BindAddress + ":" + s.APIPort,
		"OLLAMA_MODELS":  s.ModelsPath,
		"OLLAMA_NUM_CTX": s.NumCtx,
	}); err != nil {
		return err
	}
	if s.Model == "" {
		return nil
	}
	list, err := executil.Output(ctx, h.Run, "ollama", "list")
	if err == nil && hasModel(list, s.Model) {
		logging.Info(subsystem, "Model %s is already pulled", s.Model)
		return nil
	}
	logging.Info(subsystem, "Pulling model %s", s.Model)
	return h.Exec(ctx, "ollama", "pull", s.Model)
}

// hasModel scans `ollama list` output. A model without a tag matches
// ":latest".
func hasModel(list, model string) bool {
	if !strings.Contains(model, ":") {
		model += ":latest"
	}
	for _, line := range strings.Split(list, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == model {
			return true
		}
	}
	return false
}
