package processRuntime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
)

// build compiles the function source into a fresh binary so that every worker
// runs the code currently on disk.
func (l *Launcher) build(ctx context.Context, desc *metadata.FunctionDescriptor) (string, error) {
	if err := os.MkdirAll(l.binDir, 0o755); err != nil {
		return "", err
	}
	name, _ := metadata.ParseName(desc.Name)
	out := filepath.Join(l.binDir, name.ShortName+"-"+uuid.NewString()[:8])

	cmd := exec.CommandContext(ctx, l.goBinary, "build", "-o", out, ".")
	cmd.Dir = desc.SourcePath
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(out)
		return "", &BuildError{Function: desc.Name, Output: strings.TrimSpace(string(output)), Err: err}
	}
	l.logger.Debug("Built function", "function", desc.Name, "binary", out)
	return out, nil
}
